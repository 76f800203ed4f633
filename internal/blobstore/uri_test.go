package blobstore

import "testing"

func TestParseBlobURI_FS(t *testing.T) {
	p, err := ParseBlobURI("fs:///var/cache/blobs/ab/cd/abcd1234")
	if err != nil {
		t.Fatalf("ParseBlobURI: %v", err)
	}
	if p.Scheme != "fs" {
		t.Errorf("Scheme = %q, want fs", p.Scheme)
	}
	if p.Key != "/var/cache/blobs/ab/cd/abcd1234" {
		t.Errorf("Key = %q", p.Key)
	}
}

func TestParseBlobURI_S3(t *testing.T) {
	p, err := ParseBlobURI("s3://my-bucket/blobs/ab/cd/abcd1234")
	if err != nil {
		t.Fatalf("ParseBlobURI: %v", err)
	}
	if p.Scheme != "s3" || p.Container != "my-bucket" {
		t.Errorf("got scheme=%q container=%q", p.Scheme, p.Container)
	}
	if p.Key != "blobs/ab/cd/abcd1234" {
		t.Errorf("Key = %q", p.Key)
	}
}

func TestParseBlobURI_RejectsQueryAndFragment(t *testing.T) {
	cases := []string{
		"s3://bucket/key?x=1",
		"s3://bucket/key#frag",
		"s3://bucket//double/slash",
	}
	for _, c := range cases {
		if _, err := ParseBlobURI(c); err == nil {
			t.Errorf("ParseBlobURI(%q) succeeded, want error", c)
		}
	}
}

func TestBuildObjectURI(t *testing.T) {
	got := BuildObjectURI("s3", "bucket", "ab/cd/abcd")
	want := "s3://bucket/ab/cd/abcd"
	if got != want {
		t.Errorf("BuildObjectURI = %q, want %q", got, want)
	}
}
