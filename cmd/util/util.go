package util

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ValentinKolb/objrepo/lib/common"
	"github.com/ValentinKolb/objrepo/lib/repo"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// InitConfig loads .env files and sets up viper for OREPO_ environment variables
func InitConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("orepo")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// SetupLogFlags adds the logging flags to a command
func SetupLogFlags(cmd *cobra.Command) {
	key := "log-level"
	cmd.PersistentFlags().String(key, "info", WrapString("The level at which logs are written (debug, info, warn, error)"))

	key = "log-file"
	cmd.PersistentFlags().String(key, "", WrapString("Write logs to this file with rotation instead of stdout"))

	key = "log-max-size"
	cmd.PersistentFlags().Int(key, 100, WrapString("Size in MB at which the log file is rotated"))

	key = "log-max-backups"
	cmd.PersistentFlags().Int(key, 3, WrapString("Number of rotated log files to keep"))
}

// SetupRepoFlags adds the repository configuration flags to a command
func SetupRepoFlags(cmd *cobra.Command) {
	def := repo.DefaultConfig()

	key := "data-dir"
	cmd.PersistentFlags().String(key, def.DataDir, WrapString("Directory that holds one sub directory per unit"))

	key = "validate-keys"
	cmd.PersistentFlags().Bool(key, def.ValidateKeys, WrapString("Reject puts that would replace a resident value with different content"))

	key = "cache-policy"
	cmd.PersistentFlags().String(key, def.CachePolicy.String(), WrapString("Cache policy (retained, evictable)"))

	key = "cache-size"
	cmd.PersistentFlags().Int(key, def.CacheSize, WrapString("Clean values kept per unit with the evictable cache policy"))

	key = "queue-capacity"
	cmd.PersistentFlags().Int(key, def.QueueCapacity, WrapString("Pending writes per unit before producers block (0 = unbounded)"))

	key = "write-retries"
	cmd.PersistentFlags().Uint(key, def.WriteRetries, WrapString("How many times a failed disk write is retried"))

	key = "retry-delay"
	cmd.PersistentFlags().Duration(key, def.RetryDelay, WrapString("Initial delay between write retries"))

	key = "sync-interval"
	cmd.PersistentFlags().Duration(key, def.SyncInterval, WrapString("How often written segments are synced (0 = after every write)"))

	key = "max-segment-size"
	cmd.PersistentFlags().Int64(key, def.MaxSegmentSize>>20, WrapString("Size in MB at which a new segment file is started"))
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// GetLogConfig reads the logging configuration from viper
func GetLogConfig() common.LogConfig {
	return common.LogConfig{
		Level:      viper.GetString("log-level"),
		File:       viper.GetString("log-file"),
		MaxSizeMB:  viper.GetInt("log-max-size"),
		MaxBackups: viper.GetInt("log-max-backups"),
	}
}

// GetRepoConfig reads the repository configuration from viper
func GetRepoConfig() (repo.Config, error) {
	policy, err := repo.ParseCachePolicy(viper.GetString("cache-policy"))
	if err != nil {
		return repo.Config{}, err
	}

	cfg := repo.DefaultConfig()
	cfg.DataDir = viper.GetString("data-dir")
	cfg.ValidateKeys = viper.GetBool("validate-keys")
	cfg.CachePolicy = policy
	cfg.CacheSize = viper.GetInt("cache-size")
	cfg.QueueCapacity = viper.GetInt("queue-capacity")
	cfg.WriteRetries = viper.GetUint("write-retries")
	cfg.RetryDelay = viper.GetDuration("retry-delay")
	cfg.SyncInterval = viper.GetDuration("sync-interval")
	cfg.MaxSegmentSize = viper.GetInt64("max-segment-size") << 20
	return cfg, nil
}

// UnitsInDataDir lists the unit directories below dataDir
func UnitsInDataDir(dataDir string) ([]repo.UnitID, error) {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return nil, err
	}
	var units []repo.UnitID
	for _, e := range entries {
		id := repo.UnitID(e.Name())
		if e.IsDir() && id.Validate() == nil {
			units = append(units, id)
		}
	}
	return units, nil
}

// PrintJSON writes v as indented JSON
func PrintJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
