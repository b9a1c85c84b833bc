package cmd

import (
	"fmt"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/miyako-dev/tsubridge/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing tsubridge configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the effective configuration",
	Long: `Dump the effective configuration in YAML format.

Redirect the output to create a configuration template:

  tsubridge config dump > config.yaml

Configuration sources, highest priority first:
  - Environment variables (TSUBRIDGE_BACKEND_ENDPOINT, ...)
  - Config file (config.yaml in ., ./configs, /etc/tsubridge, $HOME/.tsubridge)
  - Built-in defaults`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

// toMap converts a config struct to a map, rendering durations and byte
// sizes human-readable.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		key := typ.Field(i).Tag.Get("mapstructure")
		if key == "" {
			key = typ.Field(i).Name
		}

		switch v := field.Interface().(type) {
		case time.Duration:
			result[key] = config.Duration(v).String()
		case config.ByteSize:
			result[key] = v.String()
		default:
			if field.Kind() == reflect.Struct {
				result[key] = toMap(field.Interface())
			} else {
				result[key] = field.Interface()
			}
		}
	}
	return result
}

func runConfigDump(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	yamlData, err := yaml.Marshal(toMap(cfg))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Println("# tsubridge configuration")
	fmt.Println("#")
	fmt.Println("# Duration format: 10s, 5m, 1h. Size format: 48KB, 1MB.")
	fmt.Println("# Every key can be overridden with a TSUBRIDGE_ environment variable:")
	fmt.Println("#   backend.endpoint -> TSUBRIDGE_BACKEND_ENDPOINT")
	fmt.Println("#")
	fmt.Print(string(yamlData))

	return nil
}
