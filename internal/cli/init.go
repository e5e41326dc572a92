package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/autoremedy/internal/config"
	"github.com/ppiankov/autoremedy/internal/rules"
	"github.com/ppiankov/autoremedy/internal/systemd"
)

var (
	initDir     string
	initForce   bool
	initSystemd bool
)

func init() {
	initCmd.Flags().StringVar(&initDir, "dir", "", "Config directory (default ~/.autoremedy)")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing files")
	initCmd.Flags().BoolVar(&initSystemd, "systemd", false, "Also write an autoremedy.service unit")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config and example rules",
	Long: `Creates the config directory with config.yaml, an example rules.yaml and
empty scripts/ and inbox/ directories. Existing files are kept unless
--force is given. With --systemd a unit file is written next to them for
installing into /etc/systemd/system.`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := initDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".autoremedy")
	}
	for _, d := range []string{dir, filepath.Join(dir, "scripts"), filepath.Join(dir, "inbox")} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return fmt.Errorf("cannot create %s: %w", d, err)
		}
	}

	files := []struct {
		name    string
		content string
	}{
		{"config.yaml", config.DefaultYAML()},
		{"rules.yaml", rules.ExampleYAML()},
	}
	if initSystemd {
		binary, _ := os.Executable()
		files = append(files, struct {
			name    string
			content string
		}{"autoremedy.service", systemd.Unit(systemd.UnitOptions{
			Binary:     binary,
			ConfigPath: filepath.Join(dir, "config.yaml"),
			User:       os.Getenv("USER"),
		})})
	}
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		if _, err := os.Stat(path); err == nil && !initForce {
			fmt.Printf("Kept existing %s\n", path)
			continue
		}
		if err := os.WriteFile(path, []byte(f.content), 0o600); err != nil {
			return fmt.Errorf("failed to write %s: %w", f.name, err)
		}
		fmt.Printf("Created %s\n", path)
	}
	return nil
}
