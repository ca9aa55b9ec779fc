package config

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
)

const cookiesKey = "COOKIES_STR"

// RequiredCookies must all be present in a pasted cookie string.
var RequiredCookies = []string{"_m_h5_tk", "_m_h5_tk_enc", "cookie2", "t", "unb", "tracknick"}

// CriticalCookies are the subset the session cannot start without.
var CriticalCookies = []string{"_m_h5_tk", "_m_h5_tk_enc", "cookie2", "t", "unb"}

type Credentials struct {
	CookiesStr string `env:"COOKIES_STR"`
}

// Cookies parses CookiesStr into name/value pairs.
func (c Credentials) Cookies() map[string]string {
	return ParseCookies(c.CookiesStr)
}

// SelfID is the logged-in user id carried by the unb cookie.
func (c Credentials) SelfID() string {
	return c.Cookies()["unb"]
}

func (c Credentials) Validate() error {
	if strings.TrimSpace(c.CookiesStr) == "" {
		return fmt.Errorf("%s is not set", cookiesKey)
	}
	if missing := MissingCookies(c.Cookies(), CriticalCookies); len(missing) > 0 {
		return fmt.Errorf("cookie string is missing: %s", strings.Join(missing, ", "))
	}
	return nil
}

// LoadCredentials reads the KEY=VALUE credential file at path. Process
// environment variables take precedence over file entries. A missing file
// is not an error.
func LoadCredentials(path string) (Credentials, error) {
	values, err := readKeyValueFile(path)
	if err != nil {
		return Credentials{}, err
	}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			values[k] = v
		}
	}

	var creds Credentials
	if err := env.ParseWithOptions(&creds, env.Options{Environment: values}); err != nil {
		return Credentials{}, fmt.Errorf("parse credentials: %w", err)
	}
	return creds, nil
}

// SaveCookies replaces the COOKIES_STR entry in the credential file,
// keeping every other line untouched.
func SaveCookies(path, cookies string) error {
	var kept [][]byte
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 || bytes.HasPrefix(line, []byte(cookiesKey+"=")) {
			continue
		}
		kept = append(kept, line)
	}
	kept = append(kept, []byte(cookiesKey+"="+cookies))

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	out := append(bytes.Join(kept, []byte("\n")), '\n')
	return os.WriteFile(path, out, 0600)
}

// ParseCookies splits a browser cookie header into name/value pairs.
func ParseCookies(raw string) map[string]string {
	raw = strings.NewReplacer("\t", " ", "\n", " ", "\r", " ").Replace(raw)
	cookies := make(map[string]string)
	for _, part := range strings.Split(raw, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		cookies[name] = strings.TrimSpace(value)
	}
	return cookies
}

func MissingCookies(cookies map[string]string, fields []string) []string {
	var missing []string
	for _, f := range fields {
		if _, ok := cookies[f]; !ok {
			missing = append(missing, f)
		}
	}
	return missing
}

func readKeyValueFile(path string) (map[string]string, error) {
	values := make(map[string]string)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return values, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		if len(v) >= 2 && (v[0] == '"' && v[len(v)-1] == '"' || v[0] == '\'' && v[len(v)-1] == '\'') {
			v = v[1 : len(v)-1]
		}
		values[strings.TrimSpace(k)] = v
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return values, nil
}
