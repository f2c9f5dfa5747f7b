package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"testing"
)

type fakeStorage struct {
	sent     string
	received []byte
	dst      string
}

func (f *fakeStorage) EnsureDataset(path string) error        { return nil }
func (f *fakeStorage) Snapshot(path, name string) error       { return nil }
func (f *fakeStorage) Clone(srcAtSnap, dst string) error      { return nil }
func (f *fakeStorage) Destroy(path string, recursive bool) error { return nil }
func (f *fakeStorage) Send(srcAtSnap string, w io.Writer) error {
	f.sent = srcAtSnap
	_, err := w.Write([]byte("fake-zfs-send-stream"))
	return err
}
func (f *fakeStorage) Receive(r io.Reader, dst string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.received = data
	f.dst = dst
	return nil
}
func (f *fakeStorage) ListSnapshots(path string) ([]string, error) { return nil, nil }
func (f *fakeStorage) Backend() string                             { return "cow" }

func TestExportImportTarball_RoundTrip(t *testing.T) {
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "etc"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "etc", "rc.conf"), []byte("hostname=web\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	meta := Meta{JailName: "web", StorageBackend: "plain", ExportedAt: 1700000000}
	if err := ExportTarball(&buf, src, meta); err != nil {
		t.Fatal(err)
	}

	dst := t.TempDir()
	gotMeta, err := Import(&fakeStorage{}, &buf, dst, "")
	if err != nil {
		t.Fatal(err)
	}
	if gotMeta.JailName != "web" || gotMeta.StorageBackend != "plain" {
		t.Fatalf("unexpected meta: %+v", gotMeta)
	}

	data, err := os.ReadFile(filepath.Join(dst, "etc", "rc.conf"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hostname=web\n" {
		t.Fatalf("unexpected rc.conf contents: %q", data)
	}
}

func TestExportImportCOWStream_Dispatches(t *testing.T) {
	var buf bytes.Buffer
	storage := &fakeStorage{}
	if err := ExportCOWStream(storage, "zroot/jails/web@frozen", &buf); err != nil {
		t.Fatal(err)
	}
	if storage.sent != "zroot/jails/web@frozen" {
		t.Fatalf("expected Send to be called with the snapshot name, got %q", storage.sent)
	}

	recv := &fakeStorage{}
	meta, err := Import(recv, &buf, "", "zroot/jails/web2")
	if err != nil {
		t.Fatal(err)
	}
	if meta != nil {
		t.Fatal("expected nil meta for a cow stream import")
	}
	if recv.dst != "zroot/jails/web2" {
		t.Fatalf("expected Receive to target the dest dataset, got %q", recv.dst)
	}
	if string(recv.received) != "fake-zfs-send-stream" {
		t.Fatalf("unexpected received payload: %q", recv.received)
	}
}

func TestImportTarball_MissingMetaFails(t *testing.T) {
	// A well-formed gzip tarball carrying a rootfs/ entry but no meta.json.
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	body := []byte("hostname=web\n")
	if err := tw.WriteHeader(&tar.Header{Name: "rootfs/etc/rc.conf", Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(body))}); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write(body); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := Import(&fakeStorage{}, &buf, t.TempDir(), ""); err == nil {
		t.Fatal("expected an error importing a tarball with no meta.json")
	}
}

func TestConfinedJoin_RejectsEscape(t *testing.T) {
	if _, err := confinedJoin("/var/jails/web", "../../etc/passwd"); err == nil {
		t.Fatal("expected confinedJoin to reject a path escaping the destination root")
	}
	if _, err := confinedJoin("/var/jails/web", "etc/passwd"); err != nil {
		t.Fatalf("expected a normal relative path to be accepted, got %v", err)
	}
}
