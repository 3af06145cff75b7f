package env

import (
	"os"
	"sync"

	"github.com/joho/godotenv"
)

var (
	fileEnv  map[string]string
	loadOnce sync.Once
)

// GetEnv returns key from the first .env file found, then from the process
// environment, then def. Test helpers use it to locate Redis; the services
// read their settings through config.Load.
func GetEnv(key, def string) string {
	loadOnce.Do(loadEnvFile)
	if val, ok := fileEnv[key]; ok && val != "" {
		return val
	}
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func loadEnvFile() {
	envFiles := []string{
		".env",          // Current directory
		"../../.env",    // From internal/<pkg> or cmd/<binary> to project root
		"../../../.env", // Fallback for deeper nesting
	}
	for _, envFile := range envFiles {
		if m, err := godotenv.Read(envFile); err == nil {
			fileEnv = m
			return
		}
	}
	fileEnv = map[string]string{}
}
