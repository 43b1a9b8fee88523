package narinfo

import "testing"

const sampleNarinfo = `StorePath: /nix/store/0123456789abcdfghijklmnpqrsvwxyz-hello
URL: nar/abcd.nar.xz
Compression: xz
FileHash: sha256:aaaa
FileSize: 100
NarHash: sha256:bbbb
NarSize: 200
References: 0123456789abcdfghijklmnpqrsvwxyz-hello
Deriver: 0123456789abcdfghijklmnpqrsvwxyz-hello.drv
Sig: cache.nixos.org-1:c2lnbmF0dXJl
`

func TestParse(t *testing.T) {
	info, err := Parse([]byte(sampleNarinfo))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if info.StorePath != "/nix/store/0123456789abcdfghijklmnpqrsvwxyz-hello" {
		t.Fatalf("unexpected StorePath: %s", info.StorePath)
	}
	if info.Compression != "xz" {
		t.Fatalf("unexpected Compression: %s", info.Compression)
	}
	if info.NarSize != 200 {
		t.Fatalf("unexpected NarSize: %d", info.NarSize)
	}
	if len(info.Sigs) != 1 || info.Sigs[0].KeyName != "cache.nixos.org-1" {
		t.Fatalf("unexpected Sigs: %+v", info.Sigs)
	}
}

func TestParseRejectsMissingFields(t *testing.T) {
	if _, err := Parse([]byte("URL: nar/a.nar\n")); err == nil {
		t.Fatal("expected error for missing StorePath/NarHash")
	}
}

func TestFingerprint(t *testing.T) {
	info, err := Parse([]byte(sampleNarinfo))
	if err != nil {
		t.Fatal(err)
	}
	fp := info.Fingerprint()
	want := "1;/nix/store/0123456789abcdfghijklmnpqrsvwxyz-hello;sha256:bbbb;200;0123456789abcdfghijklmnpqrsvwxyz-hello"
	if fp != want {
		t.Fatalf("Fingerprint = %q, want %q", fp, want)
	}
}
