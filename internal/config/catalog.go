package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"citas/internal/models"
)

// SpecialtyConfig is a named medical discipline.
type SpecialtyConfig struct {
	ID          int64  `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// RoomConfig is a consultation room owned by the enclosing doctor.
type RoomConfig struct {
	ID     int64  `yaml:"id"`
	Name   string `yaml:"name"`
	Active *bool  `yaml:"active,omitempty"`
}

// WindowConfig is one weekly availability range. Room refers to a room name
// of the same doctor and may be empty.
type WindowConfig struct {
	Weekday string `yaml:"weekday"` // "monday" or 1..7
	Start   string `yaml:"start"`   // "09:00"
	End     string `yaml:"end"`     // "13:00"
	Room    string `yaml:"room,omitempty"`
}

// DoctorSpecialtyConfig binds the enclosing doctor to a specialty.
type DoctorSpecialtyConfig struct {
	ID          int64          `yaml:"id"`
	SpecialtyID int64          `yaml:"specialty_id"`
	Active      *bool          `yaml:"active,omitempty"`
	Windows     []WindowConfig `yaml:"windows"`
}

type DoctorConfig struct {
	ID          int64                   `yaml:"id"`
	Name        string                  `yaml:"name"`
	UserID      *int64                  `yaml:"user_id,omitempty"`
	Rooms       []RoomConfig            `yaml:"rooms"`
	Specialties []DoctorSpecialtyConfig `yaml:"specialties"`
}

type UserConfig struct {
	ID             int64  `yaml:"id"`
	Name           string `yaml:"name"`
	Email          string `yaml:"email"`
	Rut            string `yaml:"rut"`
	Phone          string `yaml:"phone"`
	Role           string `yaml:"role"`
	TelegramChatID int64  `yaml:"telegram_chat_id"`
}

// Catalog is the root of clinic.yaml.
type Catalog struct {
	Specialties []SpecialtyConfig `yaml:"specialties"`
	Doctors     []DoctorConfig    `yaml:"doctors"`
	Users       []UserConfig      `yaml:"users"`
}

// LoadCatalog loads and validates clinic.yaml.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		path = "configs/clinic.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read clinic catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates clinic.yaml content.
func ParseCatalog(data []byte) (*Catalog, error) {
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parse clinic catalog: %w", err)
	}

	if err := cat.Validate(); err != nil {
		return nil, fmt.Errorf("validate clinic catalog: %w", err)
	}
	return &cat, nil
}

// Validate checks references and formats. Window bounds against business
// hours and room overlaps are checked by the availability store on sync.
func (c *Catalog) Validate() error {
	specialties := make(map[int64]bool)
	names := make(map[string]bool)
	for i, s := range c.Specialties {
		if s.ID <= 0 {
			return fmt.Errorf("specialty[%d]: id must be positive, got %d", i, s.ID)
		}
		if specialties[s.ID] {
			return fmt.Errorf("specialty[%d]: duplicate id %d", i, s.ID)
		}
		if s.Name == "" {
			return fmt.Errorf("specialty[%d]: name is required", i)
		}
		if names[s.Name] {
			return fmt.Errorf("specialty[%d]: duplicate name '%s'", i, s.Name)
		}
		specialties[s.ID] = true
		names[s.Name] = true
	}

	doctors := make(map[int64]bool)
	rooms := make(map[int64]bool)
	dsIDs := make(map[int64]bool)
	for i, d := range c.Doctors {
		prefix := fmt.Sprintf("doctor[%d]", i)
		if d.ID <= 0 {
			return fmt.Errorf("%s: id must be positive, got %d", prefix, d.ID)
		}
		if doctors[d.ID] {
			return fmt.Errorf("%s: duplicate id %d", prefix, d.ID)
		}
		doctors[d.ID] = true
		if d.Name == "" {
			return fmt.Errorf("%s: name is required", prefix)
		}

		roomNames := make(map[string]bool)
		for j, r := range d.Rooms {
			if r.ID <= 0 {
				return fmt.Errorf("%s.rooms[%d]: id must be positive, got %d", prefix, j, r.ID)
			}
			if rooms[r.ID] {
				return fmt.Errorf("%s.rooms[%d]: duplicate id %d", prefix, j, r.ID)
			}
			if r.Name == "" {
				return fmt.Errorf("%s.rooms[%d]: name is required", prefix, j)
			}
			if roomNames[r.Name] {
				return fmt.Errorf("%s.rooms[%d]: duplicate name '%s'", prefix, j, r.Name)
			}
			rooms[r.ID] = true
			roomNames[r.Name] = true
		}

		seenSpecialty := make(map[int64]bool)
		for j, ds := range d.Specialties {
			dsPrefix := fmt.Sprintf("%s.specialties[%d]", prefix, j)
			if ds.ID <= 0 {
				return fmt.Errorf("%s: id must be positive, got %d", dsPrefix, ds.ID)
			}
			if dsIDs[ds.ID] {
				return fmt.Errorf("%s: duplicate id %d", dsPrefix, ds.ID)
			}
			dsIDs[ds.ID] = true
			if !specialties[ds.SpecialtyID] {
				return fmt.Errorf("%s: unknown specialty_id %d", dsPrefix, ds.SpecialtyID)
			}
			if seenSpecialty[ds.SpecialtyID] {
				return fmt.Errorf("%s: specialty %d listed twice", dsPrefix, ds.SpecialtyID)
			}
			seenSpecialty[ds.SpecialtyID] = true

			for k, w := range ds.Windows {
				wPrefix := fmt.Sprintf("%s.windows[%d]", dsPrefix, k)
				if _, err := models.ParseWeekday(w.Weekday); err != nil {
					return fmt.Errorf("%s: %w", wPrefix, err)
				}
				start, err := models.ParseTimeOfDay(w.Start)
				if err != nil {
					return fmt.Errorf("%s.start: %w", wPrefix, err)
				}
				end, err := models.ParseTimeOfDay(w.End)
				if err != nil {
					return fmt.Errorf("%s.end: %w", wPrefix, err)
				}
				if end <= start {
					return fmt.Errorf("%s: end must be after start", wPrefix)
				}
				if w.Room != "" && !roomNames[w.Room] {
					return fmt.Errorf("%s: room '%s' is not a room of doctor %d", wPrefix, w.Room, d.ID)
				}
			}
		}
	}

	users := make(map[int64]bool)
	for i, u := range c.Users {
		if u.ID <= 0 {
			return fmt.Errorf("user[%d]: id must be positive, got %d", i, u.ID)
		}
		if users[u.ID] {
			return fmt.Errorf("user[%d]: duplicate id %d", i, u.ID)
		}
		if u.Name == "" {
			return fmt.Errorf("user[%d]: name is required", i)
		}
		users[u.ID] = true
	}
	return nil
}

// RoomID returns the id of the doctor's room called name.
func (d *DoctorConfig) RoomID(name string) (int64, bool) {
	for _, r := range d.Rooms {
		if r.Name == name {
			return r.ID, true
		}
	}
	return 0, false
}

// IsActive treats a missing flag as active.
func IsActive(flag *bool) bool { return flag == nil || *flag }
