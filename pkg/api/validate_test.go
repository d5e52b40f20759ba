package api

import (
	"strings"
	"testing"
)

func TestValidate_ValidPipeline(t *testing.T) {
	p := &Pipeline{
		Volumes: map[string]Volume{"/data": {Bind: "/data", Mode: ModeReadOnly}},
		Steps: []Step{
			{Name: "a", Image: Set("alpine")},
			{Name: "b", Image: Set("ghcr.io/org/tool:1.2.3"), Volumes: map[string]Volume{"/out": {Bind: "/out"}}},
		},
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("expected valid pipeline, got error: %v", err)
	}
}

func TestValidate_NoStepsIsValid(t *testing.T) {
	p := &Pipeline{}
	if err := p.Validate(); err != nil {
		t.Fatalf("expected empty pipeline to be valid, got error: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name  string
		steps []Step
		want  string
	}{
		{
			name:  "missing name",
			steps: []Step{{Image: Set("alpine")}},
			want:  "name is required",
		},
		{
			name:  "duplicate name",
			steps: []Step{{Name: "a", Image: Set("alpine")}, {Name: "a", Image: Set("alpine")}},
			want:  "duplicate step name",
		},
		{
			name:  "missing image",
			steps: []Step{{Name: "a"}},
			want:  "image is required",
		},
		{
			name:  "empty image",
			steps: []Step{{Name: "a", Image: Set("")}},
			want:  "image is required",
		},
		{
			name:  "colliding log file names",
			steps: []Step{{Name: "step 1", Image: Set("alpine")}, {Name: "step_1", Image: Set("alpine")}},
			want:  `share the log file "step_1.log"`,
		},
		{
			name:  "bad volume mode",
			steps: []Step{{Name: "a", Image: Set("alpine"), Volumes: map[string]Volume{"/x": {Bind: "/x", Mode: "rx"}}}},
			want:  `mode "rx" is not valid`,
		},
		{
			name:  "missing bind",
			steps: []Step{{Name: "a", Image: Set("alpine"), Volumes: map[string]Volume{"/x": {}}}},
			want:  "container path is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Pipeline{Steps: tt.steps}
			err := p.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestValidate_ImageReferenceCheckedAtLaunch(t *testing.T) {
	p := &Pipeline{Steps: []Step{{Name: "a", Image: Set("$org/$repo:$tag")}}}
	if err := p.Validate(); err != nil {
		t.Fatalf("expected unresolved image to pass validation, got error: %v", err)
	}
}

func TestLogFileName(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"hello", "hello.log"},
		{"step 1", "step_1.log"},
		{"a/b\\c", "a_b_c.log"},
		{"tidy-up.v2", "tidy-up.v2.log"},
		{"", "step.log"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LogFileName(tt.name); got != tt.want {
				t.Errorf("LogFileName(%q) = %q, want %q", tt.name, got, tt.want)
			}
		})
	}
}

func TestValidate_PipelineVolumes(t *testing.T) {
	p := &Pipeline{Volumes: map[string]Volume{"/x": {Bind: "/x", Mode: "wr"}}}
	err := p.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "pipeline volumes") {
		t.Fatalf("unexpected error: %v", err)
	}
}
