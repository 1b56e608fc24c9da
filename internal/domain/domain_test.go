package domain

import (
	"testing"
)

func TestCUTID_Parse(t *testing.T) {
	tests := []struct {
		input      string
		wantModule string
		wantName   string
		wantErr    bool
	}{
		{"pkg.codec::encode", "pkg.codec", "encode", false},
		{"utils::Parser.parse", "utils", "Parser.parse", false},
		{"invalid", "", "", true},
		{"mod::", "", "", true},
		{"::name", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			id, err := ParseCUTID(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseCUTID(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if err == nil {
				if id.Module != tt.wantModule {
					t.Errorf("Module = %q, want %q", id.Module, tt.wantModule)
				}
				if id.QualName != tt.wantName {
					t.Errorf("QualName = %q, want %q", id.QualName, tt.wantName)
				}
			}
		})
	}
}

func TestCUTID_Slug(t *testing.T) {
	id := CUTID{Module: "pkg.codec", QualName: "Encoder.encode"}
	if got := id.Slug(); got != "pkg_codec__Encoder_encode" {
		t.Errorf("Slug() = %q", got)
	}
}

func TestParseRequestClass(t *testing.T) {
	tests := []struct {
		input   string
		want    RequestClass
		wantErr bool
	}{
		{"short", ShortAnswer, false},
		{"LONG", LongAnswer, false},
		{" short ", ShortAnswer, false},
		{"medium", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := ParseRequestClass(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseRequestClass(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseRequestClass(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestRequestClass_UnmarshalText(t *testing.T) {
	var c RequestClass
	if err := c.UnmarshalText([]byte("long")); err != nil {
		t.Fatal(err)
	}
	if c != LongAnswer {
		t.Errorf("got %q, want long", c)
	}
	if err := c.UnmarshalText([]byte("huge")); err == nil {
		t.Error("unknown class should error")
	}
}

func TestBackendConfig_Accepts(t *testing.T) {
	b := BackendConfig{AcceptedClasses: []RequestClass{LongAnswer}}
	if b.Accepts(ShortAnswer) {
		t.Error("backend should not accept short answers")
	}
	if !b.Accepts(LongAnswer) {
		t.Error("backend should accept long answers")
	}
}

func TestCUT_Validate(t *testing.T) {
	cut := CUT{
		ID:         CUTID{Module: "m", QualName: "f"},
		EntryPoint: "f",
		Body:       "def f(x):\n    return x\n",
		Module:     "m",
		Lines:      LineRange{Start: 3, End: 4},
		Dirs:       WorkDirs{Tests: "t", Results: "r", Logs: "l"},
	}
	if err := cut.Validate(); err != nil {
		t.Errorf("valid cut should not error: %v", err)
	}

	cut.Lines = LineRange{Start: 5, End: 4}
	if err := cut.Validate(); err == nil {
		t.Error("inverted line range should error")
	}
}

func TestLineRange_Contains(t *testing.T) {
	r := LineRange{Start: 10, End: 12}
	for line, want := range map[int]bool{9: false, 10: true, 12: true, 13: false} {
		if got := r.Contains(line); got != want {
			t.Errorf("Contains(%d) = %v, want %v", line, got, want)
		}
	}
}
