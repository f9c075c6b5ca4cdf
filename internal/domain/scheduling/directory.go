package scheduling

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Doctor is one entry of the clinic roster file.
type Doctor struct {
	ID        string `yaml:"id" json:"id"`
	Name      string `yaml:"name" json:"name"`
	Specialty string `yaml:"specialty,omitempty" json:"specialty,omitempty"`
	Start     string `yaml:"start" json:"start"`
	End       string `yaml:"end" json:"end"`
	Interval  int    `yaml:"interval" json:"interval"`

	Hours WorkingHours `yaml:"-" json:"hours"`
}

type directoryFile struct {
	Doctors []Doctor `yaml:"doctors"`
}

// Directory is the read-only doctor roster. Working hours are parsed and
// validated once at load time.
type Directory struct {
	doctors []Doctor
	byID    map[string]int
}

// LoadDirectory reads a YAML roster such as:
//
//	doctors:
//	  - id: D001
//	    name: Dr. Amal Haddad
//	    start: "09:00"
//	    end: "17:00"
//	    interval: 30
func LoadDirectory(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read doctor directory: %w", err)
	}
	dir, err := ParseDirectory(data)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return dir, nil
}

// ParseDirectory decodes and validates a YAML roster.
func ParseDirectory(data []byte) (*Directory, error) {
	var f directoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode doctor directory: %w", err)
	}
	return NewDirectory(f.Doctors)
}

// NewDirectory validates doctors and indexes them by ID.
func NewDirectory(doctors []Doctor) (*Directory, error) {
	d := &Directory{byID: make(map[string]int, len(doctors))}
	for _, doc := range doctors {
		if doc.ID == "" {
			return nil, &ValidationError{Field: "doctor.id", Reason: "is required"}
		}
		if _, dup := d.byID[doc.ID]; dup {
			return nil, &ValidationError{Field: "doctor.id", Reason: fmt.Sprintf("%s is listed twice", doc.ID)}
		}
		wh, err := ParseWorkingHours(doc.Start, doc.End, doc.Interval)
		if err != nil {
			return nil, fmt.Errorf("doctor %s: %w", doc.ID, err)
		}
		doc.Hours = wh
		d.byID[doc.ID] = len(d.doctors)
		d.doctors = append(d.doctors, doc)
	}
	sort.SliceStable(d.doctors, func(i, j int) bool { return d.doctors[i].ID < d.doctors[j].ID })
	for i, doc := range d.doctors {
		d.byID[doc.ID] = i
	}
	return d, nil
}

// WorkingHours implements HoursSource.
func (d *Directory) WorkingHours(doctorID string) (WorkingHours, error) {
	doc, err := d.Get(doctorID)
	if err != nil {
		return WorkingHours{}, err
	}
	return doc.Hours, nil
}

func (d *Directory) Get(doctorID string) (Doctor, error) {
	i, ok := d.byID[doctorID]
	if !ok {
		return Doctor{}, fmt.Errorf("%w: %s", ErrDoctorNotFound, doctorID)
	}
	return d.doctors[i], nil
}

// List returns every doctor ordered by ID.
func (d *Directory) List() []Doctor {
	out := make([]Doctor, len(d.doctors))
	copy(out, d.doctors)
	return out
}
