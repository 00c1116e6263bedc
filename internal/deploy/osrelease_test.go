package deploy

import (
	"os"
	"path/filepath"
	"testing"
)

func withOSRelease(t *testing.T, content string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "os-release")
	os.WriteFile(path, []byte(content), 0644)
	orig := osReleasePath
	osReleasePath = path
	t.Cleanup(func() { osReleasePath = orig })
}

func TestCodename(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    string
		wantErr bool
	}{
		{
			name:    "debian",
			content: "PRETTY_NAME=\"Debian GNU/Linux 12 (bookworm)\"\nVERSION_ID=\"12\"\nVERSION_CODENAME=bookworm\nID=debian\n",
			want:    "bookworm",
		},
		{
			name:    "ubuntu fallback",
			content: "NAME=\"Ubuntu\"\n# comment\nUBUNTU_CODENAME='jammy'\n",
			want:    "jammy",
		},
		{
			name:    "missing",
			content: "ID=debian\n",
			wantErr: true,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			withOSRelease(t, c.content)
			got, err := Codename()
			if c.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != c.want {
				t.Errorf("got %q, want %q", got, c.want)
			}
		})
	}
}

func TestCodename_NoFile(t *testing.T) {
	orig := osReleasePath
	osReleasePath = "/nonexistent/os-release"
	t.Cleanup(func() { osReleasePath = orig })

	if _, err := Codename(); err == nil {
		t.Error("expected error")
	}
}
