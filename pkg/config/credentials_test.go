package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCookies = "_m_h5_tk=abc123_1700000000000; _m_h5_tk_enc=enc; cookie2=c2; t=tt; unb=2200001; tracknick=seller"

func TestParseCookies(t *testing.T) {
	cookies := ParseCookies(" a=1;b = 2 ;\tc=x=y; junk; =empty")

	assert.Equal(t, map[string]string{"a": "1", "b": "2", "c": "x=y"}, cookies)
}

func TestCredentials_SelfIDAndValidate(t *testing.T) {
	creds := Credentials{CookiesStr: sampleCookies}
	require.NoError(t, creds.Validate())
	assert.Equal(t, "2200001", creds.SelfID())

	err := Credentials{CookiesStr: "cookie2=c2; t=tt"}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unb")

	assert.Error(t, Credentials{}.Validate())
}

func TestLoadCredentials_FileAndEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("# comment\nOTHER=1\nCOOKIES_STR=\""+sampleCookies+"\"\n"), 0o600))

	t.Setenv("COOKIES_STR", "")
	os.Unsetenv("COOKIES_STR")
	creds, err := LoadCredentials(path)
	require.NoError(t, err)
	assert.Equal(t, sampleCookies, creds.CookiesStr)

	t.Setenv("COOKIES_STR", "unb=override")
	creds, err = LoadCredentials(path)
	require.NoError(t, err)
	assert.Equal(t, "unb=override", creds.CookiesStr)
}

func TestLoadCredentials_MissingFile(t *testing.T) {
	t.Setenv("COOKIES_STR", "")
	os.Unsetenv("COOKIES_STR")

	creds, err := LoadCredentials(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, creds.CookiesStr)
}

func TestSaveCookies_ReplacesOnlyCookieLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("OPENAI_API_KEY=k\nCOOKIES_STR=old\n"), 0o600))

	require.NoError(t, SaveCookies(path, "unb=new"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Equal(t, []string{"OPENAI_API_KEY=k", "COOKIES_STR=unb=new"}, lines)
}

func TestMissingCookies(t *testing.T) {
	missing := MissingCookies(ParseCookies(sampleCookies), append(RequiredCookies, "tfstk"))
	assert.Equal(t, []string{"tfstk"}, missing)
}
