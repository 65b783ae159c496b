package config

import (
	"errors"
	"testing"
)

func TestDefaultsValid(t *testing.T) {
	if err := DefaultSite().Validate(); err != nil {
		t.Errorf("DefaultSite: %v", err)
	}
	if err := DefaultThresholds().Validate(); err != nil {
		t.Errorf("DefaultThresholds: %v", err)
	}
	if err := DefaultModel().Validate(); err != nil {
		t.Errorf("DefaultModel: %v", err)
	}
}

func TestSiteValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Site)
	}{
		{"negative safety margin", func(s *Site) { s.SafetyMargin = -0.5 }},
		{"humidity above 100", func(s *Site) { s.Humidity = 120 }},
		{"zero humidity", func(s *Site) { s.Humidity = 0 }},
		{"zero window", func(s *Site) { s.WindowSize = 0 }},
		{"missing station", func(s *Site) { s.StationID = "" }},
		{"latitude out of range", func(s *Site) { s.StationLat = 91 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSite()
			tt.mutate(&s)
			err := s.Validate()
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate() = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestModelValidate_Endpoint(t *testing.T) {
	m := DefaultModel()
	m.Endpoint = "not a url"
	if err := m.Validate(); !errors.Is(err, ErrInvalid) {
		t.Errorf("Validate() = %v, want ErrInvalid", err)
	}
	m.Endpoint = "http://localhost:8501/v1/models/frost:predict"
	if err := m.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestWithTargetCopies(t *testing.T) {
	base := DefaultSite()
	other := base.WithTarget(1500).WithSafetyMargin(1.5)
	if base.TargetAltitude != DefaultTargetAltitude || base.SafetyMargin != 0 {
		t.Errorf("base mutated: %+v", base)
	}
	if other.TargetAltitude != 1500 || other.SafetyMargin != 1.5 {
		t.Errorf("copy = %+v", other)
	}
}
