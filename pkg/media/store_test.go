package media

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewStoreExpandsHome(t *testing.T) {
	homeDir := t.TempDir()
	t.Setenv("HOME", homeDir)

	store, err := NewStore("~/bridge-media")
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}

	if want := filepath.Join(homeDir, "bridge-media"); store.Root() != want {
		t.Fatalf("Root = %q, want %q", store.Root(), want)
	}
	if _, err := os.Stat(store.Root()); !os.IsNotExist(err) {
		t.Fatalf("root should not exist before the first save, stat err = %v", err)
	}
}

func TestSaveCreatesRootAndUniqueFiles(t *testing.T) {
	store := mustStore(t, filepath.Join(t.TempDir(), "nested", "media"))

	first, err := store.Save([]byte("png-bytes"), "png")
	if err != nil {
		t.Fatalf("Save error: %v", err)
	}
	second, err := store.Save([]byte("png-bytes"), ".png")
	if err != nil {
		t.Fatalf("Save error: %v", err)
	}

	if first == second {
		t.Fatalf("Save returned the same path twice: %q", first)
	}
	for _, path := range []string{first, second} {
		if !strings.HasPrefix(path, store.Root()+string(filepath.Separator)) || filepath.Ext(path) != ".png" {
			t.Fatalf("unexpected saved path %q", path)
		}
	}

	data, err := os.ReadFile(first)
	if err != nil || string(data) != "png-bytes" {
		t.Fatalf("saved content = %q, err = %v", data, err)
	}
}

func TestSaveRejectsEmptyData(t *testing.T) {
	store := mustStore(t, t.TempDir())

	_, err := store.Save(nil, "png")
	if CategoryFromError(err) != ErrorEmpty {
		t.Fatalf("error category = %q, want %q", CategoryFromError(err), ErrorEmpty)
	}
}

func TestSaveRejectsExtensionWithSeparator(t *testing.T) {
	store := mustStore(t, t.TempDir())

	_, err := store.Save([]byte("x"), "png/../../x")
	if CategoryFromError(err) != ErrorInvalidName {
		t.Fatalf("error category = %q, want %q", CategoryFromError(err), ErrorInvalidName)
	}
}

func TestResolveReturnsSavedFile(t *testing.T) {
	store := mustStore(t, t.TempDir())

	saved, err := store.Save([]byte("jpg-bytes"), "jpg")
	if err != nil {
		t.Fatalf("Save error: %v", err)
	}

	resolved, err := store.Resolve(filepath.Base(saved))
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}

	want, err := filepath.EvalSymlinks(saved)
	if err != nil {
		t.Fatalf("EvalSymlinks error: %v", err)
	}
	if resolved != want {
		t.Fatalf("Resolve = %q, want %q", resolved, want)
	}
}

func TestResolveRejectsTraversal(t *testing.T) {
	store := mustStore(t, t.TempDir())

	for _, name := range []string{"../escape.txt", "sub/file.png", ".."} {
		_, err := store.Resolve(name)
		if category := CategoryFromError(err); category != ErrorOutsideRoot && category != ErrorInvalidName {
			t.Fatalf("Resolve(%q) category = %q", name, category)
		}
	}
}

func TestResolveRejectsSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := filepath.Join(t.TempDir(), "secret.txt")
	if err := os.WriteFile(outside, []byte("secret"), 0o600); err != nil {
		t.Fatalf("write outside file: %v", err)
	}
	if err := os.Symlink(outside, filepath.Join(root, "link.txt")); err != nil {
		t.Fatalf("create symlink: %v", err)
	}

	store := mustStore(t, root)
	_, err := store.Resolve("link.txt")
	if CategoryFromError(err) != ErrorOutsideRoot {
		t.Fatalf("error category = %q, want %q", CategoryFromError(err), ErrorOutsideRoot)
	}
}

func TestResolveMissingFile(t *testing.T) {
	store := mustStore(t, t.TempDir())

	_, err := store.Resolve("missing.png")
	if CategoryFromError(err) != ErrorNotFound {
		t.Fatalf("error category = %q, want %q", CategoryFromError(err), ErrorNotFound)
	}
}

func TestWithinRoots(t *testing.T) {
	root := t.TempDir()

	if !Within(nil, "/anything/at/all") {
		t.Fatal("empty roots should allow every path")
	}
	if !Within([]string{root}, filepath.Join(root, "sub", "a.dat")) {
		t.Fatal("path under root should be allowed")
	}
	if Within([]string{root}, filepath.Join(root, "..", "escape.dat")) {
		t.Fatal("traversal out of root should be refused")
	}
	if Within([]string{root}, filepath.Join(t.TempDir(), "other.dat")) {
		t.Fatal("path under another directory should be refused")
	}
}

func mustStore(t *testing.T, dir string) *Store {
	t.Helper()

	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}

	return store
}
