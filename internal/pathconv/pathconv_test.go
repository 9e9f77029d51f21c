package pathconv

import "testing"

func TestPosixJoin(t *testing.T) {
	p := Posix{Home: "/home/viewer"}

	tests := []struct {
		name  string
		parts []string
		want  string
	}{
		{"absolute root", []string{"/home/viewer", "photonic", "study.enc"}, "/home/viewer/photonic/study.enc"},
		{"relative", []string{"photonic", "study.enc"}, "photonic/study.enc"},
		{"redundant separators", []string{"/home/viewer/", "/photonic/"}, "/home/viewer/photonic"},
		{"empty components", []string{"/home/viewer", "", "study.enc"}, "/home/viewer/study.enc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Join(tt.parts...); got != tt.want {
				t.Errorf("Join(%v) = %q, want %q", tt.parts, got, tt.want)
			}
		})
	}

	if got := p.HomeDir(); got != "/home/viewer" {
		t.Errorf("HomeDir() = %q, want /home/viewer", got)
	}
	if got := p.Separator(); got != "/" {
		t.Errorf("Separator() = %q, want /", got)
	}
}

func TestSelect(t *testing.T) {
	if _, ok := Select("posix").(Posix); !ok {
		t.Error(`Select("posix") did not return the POSIX convention`)
	}
	if _, ok := Select("native").(Native); !ok {
		t.Error(`Select("native") did not return the native convention`)
	}
	if _, ok := Select("").(Native); !ok {
		t.Error(`Select("") did not default to the native convention`)
	}
}
