package credentials

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeys_CollectsNumberedFamily(t *testing.T) {
	s := FromMap(map[string]string{
		"OPENAI_API_KEY":   "sk-a",
		"OPENAI_API_KEY_1": "sk-b",
		"OPENAI_API_KEY_2": "sk-c",
		"OPENAI_API_KEY_4": "sk-skipped",
	})
	require.Equal(t, []string{"sk-a", "sk-b", "sk-c"}, Keys(s, "OPENAI_API_KEY"))
}

func TestKeys_FallbackNames(t *testing.T) {
	s := FromMap(map[string]string{"HF_TOKEN": "hf-1"})
	require.Equal(t, []string{"hf-1"}, Keys(s, "HUGGINGFACE_API_TOKEN", "HUGGINGFACE_API_KEY", "HF_TOKEN"))
	require.Empty(t, Keys(s, "OPENROUTER_API_KEY"))
}

func TestLoad_EnvWinsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("SPENDWATCH_TEST_KEY=from-file\nOTHER_TEST_KEY=file-only\n"), 0o600))
	t.Setenv("SPENDWATCH_TEST_KEY", "from-env")

	s, err := Load(path)
	require.NoError(t, err)

	v, ok := s.Get("SPENDWATCH_TEST_KEY")
	require.True(t, ok)
	require.Equal(t, "from-env", v)

	v, ok = s.Get("OTHER_TEST_KEY")
	require.True(t, ok)
	require.Equal(t, "file-only", v)
}

func TestLoad_MissingFile(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	_, ok := s.Get("DEFINITELY_NOT_SET_SPENDWATCH")
	require.False(t, ok)
}
