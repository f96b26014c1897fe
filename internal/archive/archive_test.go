package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return root
}

func readTree(t *testing.T, root string) map[string]string {
	t.Helper()
	files := map[string]string{}
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		require.NoError(t, err)
		if info.Mode().IsRegular() {
			rel, err := filepath.Rel(root, path)
			require.NoError(t, err)
			data, err := os.ReadFile(path)
			require.NoError(t, err)
			files[filepath.ToSlash(rel)] = string(data)
		}
		return nil
	})
	require.NoError(t, err)
	return files
}

func TestArchiveRoundTrip(t *testing.T) {
	codecs := []CompressionType{CompressionNone, CompressionGzip, CompressionZstd, CompressionLZ4}
	src := map[string]string{
		"app/main.py":        "print('hello')",
		"app/sub/module.py":  "x = 1",
		"config/app.yaml":    "debug: false",
		"data/nested/f.json": `{"k":"v"}`,
	}

	for _, codec := range codecs {
		t.Run(string(codec), func(t *testing.T) {
			srcDir := buildTree(t, src)
			archivePath := filepath.Join(t.TempDir(), "tree"+codec.Extension())

			a := NewArchiver(codec, 6, nil)
			size, err := a.ArchiveDir(context.Background(), srcDir, archivePath)
			require.NoError(t, err)
			assert.Greater(t, size, int64(0))

			destDir := t.TempDir()
			require.NoError(t, ExtractTo(context.Background(), archivePath, destDir))

			assert.Equal(t, src, readTree(t, destDir))
		})
	}
}

func TestArchiveExcludes(t *testing.T) {
	srcDir := buildTree(t, map[string]string{
		"app/main.py":              "code",
		"app/__pycache__/x.pyc":    "bytecode",
		"app/.git/HEAD":            "ref",
		"app/temp.tmp":             "scratch",
		"node_modules/pkg/idx.js":  "dep",
		"app/keepme/important.txt": "keep",
	})
	archivePath := filepath.Join(t.TempDir(), "tree.tar.gz")

	a := NewArchiver(CompressionGzip, 6, []string{"*.tmp", "*.pyc", "__pycache__", ".git", "node_modules"})
	_, err := a.ArchiveDir(context.Background(), srcDir, archivePath)
	require.NoError(t, err)

	destDir := t.TempDir()
	require.NoError(t, ExtractTo(context.Background(), archivePath, destDir))

	extracted := readTree(t, destDir)
	assert.Equal(t, map[string]string{
		"app/main.py":              "code",
		"app/keepme/important.txt": "keep",
	}, extracted)
}

func TestExcludedPatterns(t *testing.T) {
	a := NewArchiver(CompressionGzip, 6, []string{"*.tmp", ".git", "__pycache__"})

	assert.True(t, a.Excluded("scratch.tmp"))
	assert.True(t, a.Excluded(".git/HEAD"))
	assert.True(t, a.Excluded("pkg/__pycache__/mod.cpython-311.pyc"))
	assert.False(t, a.Excluded("app/main.py"))
	assert.False(t, a.Excluded("data/git/notes.txt"))
}

func TestExtractRejectsTraversal(t *testing.T) {
	_, err := securePath("/tmp/dest", "../../etc/passwd")
	assert.Error(t, err)
}

func TestParseCompressionType(t *testing.T) {
	for _, valid := range []string{"none", "gzip", "zstd", "lz4"} {
		_, err := ParseCompressionType(valid)
		assert.NoError(t, err)
	}
	_, err := ParseCompressionType("rar")
	assert.Error(t, err)
}

func TestDetectCompression(t *testing.T) {
	assert.Equal(t, CompressionGzip, DetectCompression("db.tar.gz"))
	assert.Equal(t, CompressionZstd, DetectCompression("db.tar.zst"))
	assert.Equal(t, CompressionLZ4, DetectCompression("db.tar.lz4"))
	assert.Equal(t, CompressionNone, DetectCompression("db.tar"))
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	dir := t.TempDir()
	plain := filepath.Join(dir, "bundle.tar.gz")
	encrypted := plain + EncryptedSuffix
	decrypted := filepath.Join(dir, "restored.tar.gz")

	content := []byte("bundle bytes here")
	require.NoError(t, os.WriteFile(plain, content, 0644))

	require.NoError(t, EncryptFile(plain, encrypted, "correct horse"))
	assert.True(t, IsEncrypted(encrypted))
	assert.False(t, IsEncrypted(plain))

	require.NoError(t, DecryptFile(encrypted, decrypted, "correct horse"))
	restored, err := os.ReadFile(decrypted)
	require.NoError(t, err)
	assert.Equal(t, content, restored)
}

func TestDecryptWrongPassphrase(t *testing.T) {
	dir := t.TempDir()
	plain := filepath.Join(dir, "bundle.bin")
	encrypted := plain + EncryptedSuffix

	require.NoError(t, os.WriteFile(plain, []byte("secret"), 0644))
	require.NoError(t, EncryptFile(plain, encrypted, "right"))

	err := DecryptFile(encrypted, filepath.Join(dir, "out.bin"), "wrong")
	assert.Error(t, err)
}
