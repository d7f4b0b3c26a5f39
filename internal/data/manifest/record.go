package manifest

import (
	"time"
)

// FileType is the architectural role of a source file.
type FileType string

const (
	TypeEntry      FileType = "entry"
	TypeConfig     FileType = "config"
	TypeEnv        FileType = "env"
	TypeRoute      FileType = "route"
	TypeController FileType = "controller"
	TypeService    FileType = "service"
	TypeModel      FileType = "model"
	TypeOther      FileType = "other"
)

// Tier is the reload action a file change requires. Tiers are ordered so the
// most severe tier of a batch is the maximum.
type Tier int

const (
	TierNone Tier = iota
	TierHot
	TierFullRestart
)

func (t Tier) String() string {
	switch t {
	case TierHot:
		return "hot"
	case TierFullRestart:
		return "full-restart"
	default:
		return "none"
	}
}

func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Tier) UnmarshalText(text []byte) error {
	switch string(text) {
	case "hot":
		*t = TierHot
	case "full-restart":
		*t = TierFullRestart
	default:
		*t = TierNone
	}
	return nil
}

// MaxTier returns the more severe of a and b.
func MaxTier(a, b Tier) Tier {
	if a > b {
		return a
	}
	return b
}

// FileRecord is the persisted identity of one tracked source file.
type FileRecord struct {
	Path         string    `json:"path"`
	AbsolutePath string    `json:"absolutePath"`
	Dependencies []string  `json:"dependencies"`
	Dependents   []string  `json:"dependents"`
	Version      int       `json:"version"`
	Hash         string    `json:"hash"`
	LastModified time.Time `json:"lastModified"`
	Layer        Tier      `json:"layer"`
	CachePath    string    `json:"cachePath,omitempty"`
	Type         FileType  `json:"type"`
}

// Clone returns a deep copy.
func (r FileRecord) Clone() FileRecord {
	out := r
	out.Dependencies = make([]string, len(r.Dependencies))
	copy(out.Dependencies, r.Dependencies)
	out.Dependents = make([]string, len(r.Dependents))
	copy(out.Dependents, r.Dependents)
	return out
}

func (r *FileRecord) normalize() {
	if r.Dependencies == nil {
		r.Dependencies = []string{}
	}
	if r.Dependents == nil {
		r.Dependents = []string{}
	}
	r.LastModified = r.LastModified.UTC()
}
