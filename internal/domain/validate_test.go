package domain

import (
	"errors"
	"testing"
)

func TestValidateWorkDir(t *testing.T) {
	tests := []struct {
		dir     string
		wantErr bool
	}{
		{"", false},
		{".", false},
		{"apps/myservice", false},
		{"src", false},
		{"apps/my-service_v2", false},
		{"..", true},
		{"apps/../etc", true},
		{"/etc/passwd", true},
		{"apps/../../secret", true},
		{"apps/ space", true},
	}
	for _, tt := range tests {
		err := ValidateWorkDir(tt.dir)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateWorkDir(%q) error = %v, wantErr %v", tt.dir, err, tt.wantErr)
		}
	}
}

func TestValidateSlug(t *testing.T) {
	tests := []struct {
		slug    string
		wantErr bool
	}{
		{"web", false},
		{"my-app-2", false},
		{"a", true},
		{"MyApp", true},
		{"-app", true},
		{"app-", true},
		{"app_name", true},
	}
	for _, tt := range tests {
		err := ValidateSlug(tt.slug)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateSlug(%q) error = %v, wantErr %v", tt.slug, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrInvalidInput) {
			t.Errorf("ValidateSlug(%q) error should wrap ErrInvalidInput, got %v", tt.slug, err)
		}
	}
}

func TestValidateSourceRef(t *testing.T) {
	tests := []struct {
		name    string
		ref     SourceRef
		wantErr bool
	}{
		{"branch only", SourceRef{Branch: "main"}, false},
		{"tag only", SourceRef{Tag: "v1.2.0"}, false},
		{"commit and branch", SourceRef{CommitSHA: "abc1234", Branch: "feature/x"}, false},
		{"empty", SourceRef{}, true},
		{"shell injection", SourceRef{Branch: "main; rm -rf /"}, true},
		{"dot dot", SourceRef{Branch: "a/../b"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSourceRef(tt.ref)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSourceRef(%+v) error = %v, wantErr %v", tt.ref, err, tt.wantErr)
			}
		})
	}
}

func TestValidateImageRef(t *testing.T) {
	tests := []struct {
		ref     string
		wantErr bool
	}{
		{"registry.example.com/team/app:v1", false},
		{"localhost:5000/app:dev", false},
		{"registry.example.com/app@sha256:2c26b46b68ffc68ff99b453c1d30413413422d706483bfa0f98a5e886266e7ae", false},
		{"", true},
		{"registry.example.com/App:v1", true},
	}
	for _, tt := range tests {
		err := ValidateImageRef(tt.ref)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateImageRef(%q) error = %v, wantErr %v", tt.ref, err, tt.wantErr)
		}
	}
}
