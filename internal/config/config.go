package config

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	SourcesDir       string
	DBDSN            string
	LogLevel         string
	RedisURL         string
	DefaultBatchSize int
	ScriptTimeout    string
	MetricsAddr      string
}

// Load reads DATAFORGE_* settings from the environment, falling back to a
// .env file in the working directory and then to defaults. Real environment
// variables take precedence over .env entries.
func Load() *Config {
	dotenv := readDotEnv(".env")
	get := func(key, def string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		if v, ok := dotenv[key]; ok && v != "" {
			return v
		}
		return def
	}

	batch, err := strconv.Atoi(get("DATAFORGE_DEFAULT_BATCH_SIZE", "1000"))
	if err != nil || batch <= 0 {
		batch = 1000
	}

	return &Config{
		SourcesDir:       get("DATAFORGE_SOURCES_DIR", "./sources"),
		DBDSN:            get("DATAFORGE_DB", "./dataforge.sqlite"),
		LogLevel:         get("DATAFORGE_LOG_LEVEL", "info"),
		RedisURL:         get("DATAFORGE_REDIS_URL", ""),
		DefaultBatchSize: batch,
		ScriptTimeout:    get("DATAFORGE_SCRIPT_TIMEOUT", "60s"),
		MetricsAddr:      get("DATAFORGE_METRICS_ADDR", ":9464"),
	}
}

// IsPostgresDSN reports whether dsn points at postgres rather than a sqlite file.
func IsPostgresDSN(dsn string) bool {
	l := strings.ToLower(strings.TrimSpace(dsn))
	return strings.HasPrefix(l, "postgres://") || strings.HasPrefix(l, "postgresql://") || strings.Contains(l, "host=")
}

func readDotEnv(path string) map[string]string {
	out := map[string]string{}
	f, err := os.Open(path)
	if err != nil {
		return out
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if len(v) >= 2 && (v[0] == '"' && v[len(v)-1] == '"' || v[0] == '\'' && v[len(v)-1] == '\'') {
			v = v[1 : len(v)-1]
		}
		out[k] = v
	}
	return out
}
