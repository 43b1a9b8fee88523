package storepath

import "testing"

func validID() string {
	return "0123456789abcdfghijklmnpqrsvwxyz-hello-world"
}

func TestValidateID(t *testing.T) {
	cases := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"valid", validID(), false},
		{"short hash", "abc-hello", true},
		{"bad alphabet", "eabcdfghijklmnpqrsvwxyz012345678-hello", true},
		{"empty name", "abcdfghijklmnpqrsvwxyz0123456780-", true},
		{"name with slash", "abcdfghijklmnpqrsvwxyz0123456780-a/b", true},
		{"name with control byte", "abcdfghijklmnpqrsvwxyz0123456780-a\x01b", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateID(tc.id)
			if (err != nil) != tc.wantErr {
				t.Fatalf("ValidateID(%q) error=%v, wantErr=%v", tc.id, err, tc.wantErr)
			}
		})
	}
}

func TestCatalogRoundTrip(t *testing.T) {
	c := New("/nix/store")
	id := validID()

	path, err := c.IDToPath(id)
	if err != nil {
		t.Fatalf("IDToPath: %v", err)
	}
	want := "/nix/store/" + id
	if path != want {
		t.Fatalf("IDToPath = %q, want %q", path, want)
	}

	gotID, err := c.PathToID(path)
	if err != nil {
		t.Fatalf("PathToID: %v", err)
	}
	if gotID != id {
		t.Fatalf("PathToID = %q, want %q", gotID, id)
	}
}

func TestCatalogPathToIDRejectsOutsideRoot(t *testing.T) {
	c := New("/nix/store")
	if _, err := c.PathToID("/etc/passwd"); err == nil {
		t.Fatal("expected error for path outside store root")
	}
	if _, err := c.PathToID("/nix/store/sub/" + validID()); err == nil {
		t.Fatal("expected error for nested path")
	}
}

func TestCompare(t *testing.T) {
	if Compare("a", "a") != 0 {
		t.Fatal("expected equal ids to compare equal")
	}
	if Compare("a", "b") >= 0 {
		t.Fatal("expected a < b")
	}
}
