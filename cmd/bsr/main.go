package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"bsr-go/internal/app"
	"bsr-go/internal/bsr"
	"bsr-go/internal/config"
	"bsr-go/internal/gitrepo"
	"bsr-go/internal/registry"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates an App. The caller must defer a.Close().
// operation identifies the CLI command being run (e.g. "storage add", "sync").
func newApp(operation string, args []string) (*app.App, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config (run 'bsr config init' first): %w", err)
	}

	a, err := app.NewApp(cfg, operation, strings.Join(args, " "))
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

var rootCmd = &cobra.Command{
	Use:   "bsr",
	Short: "Backup storage registry, synchronized between devices over git",
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Base Dir:  %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:   %s\n", cfg.LogDir)
		fmt.Printf("Registry:  %s\n", cfg.RepoDir())
		if cfg.Git.DefaultRemote != "" {
			fmt.Printf("Remote:    %s\n", cfg.Git.DefaultRemote)
		}
		return nil
	},
}

// init command
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Register this device and create or clone the registry",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		repoURL, _ := cmd.Flags().GetString("repo")
		sshKey, _ := cmd.Flags().GetString("ssh-key")

		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("getting defaults: %w", err)
		}
		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("reading config (run 'bsr config init' first): %w", err)
		}
		if sshKey != "" {
			cfg.Git.SSHKeyPath = sshKey
		}

		a, err := app.NewApp(cfg, "init", strings.Join(args, " "))
		if err != nil {
			return fmt.Errorf("initializing app: %w", err)
		}
		defer a.Close()

		hostname, err := os.Hostname()
		if err != nil {
			hostname = ""
		}
		if name == "" {
			name, err = promptDeviceName(hostname)
			if err != nil {
				return err
			}
		}

		if err := os.MkdirAll(a.Config().RepoDir(), 0755); err != nil {
			return fmt.Errorf("creating registry directory: %w", err)
		}

		if err := a.PersistOperation(); err != nil {
			return err
		}
		device, err := a.Service.InitDevice(cmd.Context(), name, hostname, runtime.GOOS, repoURL)
		if err != nil {
			a.Fail()
			return err
		}

		fmt.Printf("Device registered: %s (%s)\n", device.Name, device.ID)
		fmt.Printf("Registry: %s\n", a.Config().RepoDir())
		return nil
	},
}

// promptDeviceName asks for a device name on the terminal, defaulting to
// the hostname. A non-interactive stdin requires --name.
func promptDeviceName(hostname string) (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("stdin is not a terminal: pass --name")
	}
	if hostname != "" {
		fmt.Printf("Device name [%s]: ", hostname)
	} else {
		fmt.Print("Device name: ")
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading device name: %w", err)
	}
	name := strings.TrimSpace(line)
	if name == "" {
		name = hostname
	}
	if name == "" {
		return "", fmt.Errorf("device name must not be empty")
	}
	return name, nil
}

// device command
var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Manage devices",
}

var deviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("device list", args)
		if err != nil {
			return err
		}
		defer a.Close()

		reg, err := a.Service.Load()
		if err != nil {
			return err
		}
		currentID, err := a.Service.CurrentDeviceID()
		if err != nil {
			return err
		}

		for _, d := range a.Service.Devices(reg) {
			marker := " "
			if d.ID == currentID {
				marker = "*"
			}
			fmt.Printf("%s %-20s %-20s %-8s %s\n",
				marker, d.Name, d.Hostname, d.OS, d.CreatedAt.Format("2006-01-02"))
		}
		return nil
	},
}

var deviceRenameCmd = &cobra.Command{
	Use:   "rename NAME",
	Short: "Rename this device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("device rename", args)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.PersistOperation(); err != nil {
			return err
		}
		if err := a.Service.RenameDevice(cmd.Context(), args[0]); err != nil {
			a.Fail()
			return err
		}

		fmt.Printf("Device renamed to %s\n", args[0])
		return nil
	},
}

// storage command
var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "Manage storages",
}

var storageAddCmd = &cobra.Command{
	Use:   "add KIND NAME",
	Short: "Register a storage (kind: online, directory or subdir)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		mount, _ := cmd.Flags().GetString("mount")
		alias, _ := cmd.Flags().GetString("alias")
		provider, _ := cmd.Flags().GetString("provider")
		capacity, _ := cmd.Flags().GetUint64("capacity")
		parent, _ := cmd.Flags().GetString("parent")
		notes, _ := cmd.Flags().GetString("notes")

		a, err := newApp("storage add", args)
		if err != nil {
			return err
		}
		defer a.Close()

		if mount != "" {
			if mount, err = filepath.Abs(mount); err != nil {
				return fmt.Errorf("resolving mount path: %w", err)
			}
		}

		if err := a.PersistOperation(); err != nil {
			return err
		}
		st, err := a.Service.CreateStorage(cmd.Context(), bsr.StorageArgs{
			Name:       args[1],
			Kind:       registry.StorageKind(args[0]),
			Provider:   provider,
			Capacity:   capacity,
			ParentName: parent,
			MountPath:  mount,
			Alias:      alias,
			Notes:      notes,
		})
		if err != nil {
			a.Fail()
			return err
		}

		fmt.Printf("Storage added: %s (%s)\n", st.Name, st.Kind)
		return nil
	},
}

var storageBindCmd = &cobra.Command{
	Use:   "bind NAME MOUNT_PATH",
	Short: "Attach an existing storage to this device",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		alias, _ := cmd.Flags().GetString("alias")

		a, err := newApp("storage bind", args)
		if err != nil {
			return err
		}
		defer a.Close()

		mount, err := filepath.Abs(args[1])
		if err != nil {
			return fmt.Errorf("resolving mount path: %w", err)
		}

		if err := a.PersistOperation(); err != nil {
			return err
		}
		if err := a.Service.BindStorage(cmd.Context(), args[0], mount, alias); err != nil {
			a.Fail()
			return err
		}

		fmt.Printf("Storage %s bound at %s\n", args[0], mount)
		return nil
	},
}

var storageListCmd = &cobra.Command{
	Use:   "list",
	Short: "List storages with their state on this device",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("storage list", args)
		if err != nil {
			return err
		}
		defer a.Close()

		status, err := a.Service.ComputeStatus(cmd.Context())
		if err != nil {
			return err
		}

		if len(status.Storages) == 0 {
			fmt.Println("No storages registered.")
			return nil
		}

		for _, s := range status.Storages {
			fmt.Printf("%-9s %-20s %s\n", s.Storage.Kind, s.Storage.Name, describeStorage(s))
		}
		return nil
	},
}

func describeStorage(s bsr.StorageStatus) string {
	if !s.Bound {
		return "not bound on this device"
	}
	if !s.Reachable {
		return fmt.Sprintf("%s (unreachable)", s.MountPath)
	}
	return s.MountPath
}

// backup command
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage backup definitions",
}

var backupAddCmd = &cobra.Command{
	Use:   "add NAME PATH",
	Short: "Define a backup of PATH from one storage to another",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		source, _ := cmd.Flags().GetString("from")
		dest, _ := cmd.Flags().GetString("to")
		notes, _ := cmd.Flags().GetString("notes")

		a, err := newApp("backup add", args)
		if err != nil {
			return err
		}
		defer a.Close()

		dataPath, err := filepath.Abs(args[1])
		if err != nil {
			return fmt.Errorf("resolving path: %w", err)
		}

		if err := a.PersistOperation(); err != nil {
			return err
		}
		b, err := a.Service.CreateBackup(cmd.Context(), args[0], source, dest, dataPath, notes)
		if err != nil {
			a.Fail()
			return err
		}

		fmt.Printf("Backup defined: %s (%s -> %s, path %s)\n", b.Name, b.Source, b.Destination, b.Path)
		return nil
	},
}

var backupDoneCmd = &cobra.Command{
	Use:   "done NAME",
	Short: "Record that a backup ran now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("backup done", args)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.PersistOperation(); err != nil {
			return err
		}
		if err := a.Service.MarkDone(cmd.Context(), args[0]); err != nil {
			a.Fail()
			return err
		}

		fmt.Printf("Backup %s marked done\n", args[0])
		return nil
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backups with their last run",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("backup list", args)
		if err != nil {
			return err
		}
		defer a.Close()

		status, err := a.Service.ComputeStatus(cmd.Context())
		if err != nil {
			return err
		}

		if len(status.Backups) == 0 {
			fmt.Println("No backups defined.")
			return nil
		}

		for _, b := range status.Backups {
			age := "never"
			if b.Done {
				age = bsr.SummarizeAge(time.Since(b.At)) + " ago"
			}
			fmt.Printf("%-20s %s -> %s  %-12s %s\n",
				b.Backup.Name, b.Backup.Source, b.Backup.Destination, age, b.Backup.Path)
		}
		return nil
	},
}

// check command
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check registry consistency on this device",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("check", args)
		if err != nil {
			return err
		}
		defer a.Close()

		findings, err := a.Service.RunCheck(cmd.Context())
		if err != nil {
			return err
		}

		if len(findings) == 0 {
			fmt.Println("Registry is consistent.")
			return nil
		}

		for _, f := range findings {
			fmt.Println(f)
		}
		return fmt.Errorf("%d problem(s) found", len(findings))
	},
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status [PATH]",
	Short: "Show registry status, or the backups covering PATH",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("status", args)
		if err != nil {
			return err
		}
		defer a.Close()

		if len(args) == 1 {
			return pathStatus(cmd, a, args[0])
		}

		status, err := a.Service.ComputeStatus(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Device: %s (%s)\n\n", status.Device.Name, status.Device.Hostname)

		fmt.Println("Storages:")
		for _, s := range status.Storages {
			fmt.Printf("  %-20s %s\n", s.Storage.Name, describeStorage(s))
		}

		fmt.Println("\nBackups:")
		for _, b := range status.Backups {
			age := "never run"
			if b.Done {
				age = "done " + bsr.SummarizeAge(time.Since(b.At)) + " ago"
			}
			fmt.Printf("  %-20s %s\n", b.Backup.Name, age)
		}
		return nil
	},
}

// pathStatus reports which backups cover the given path.
func pathStatus(cmd *cobra.Command, a *app.App, rawPath string) error {
	absPath, err := filepath.Abs(rawPath)
	if err != nil {
		return fmt.Errorf("resolving path: %w", err)
	}

	covering, err := a.Service.CoveringBackups(cmd.Context(), absPath)
	if err != nil {
		return err
	}
	if len(covering) == 0 {
		fmt.Printf("No backup covers %s\n", absPath)
		return nil
	}

	for _, c := range covering {
		age := "never run"
		if c.Backup.LastDone != nil {
			age = "done " + bsr.SummarizeAge(time.Since(*c.Backup.LastDone)) + " ago"
		}
		fmt.Printf("%-20s %s -> %s  %s\n", c.Backup.Name, c.Backup.Source, c.Backup.Destination, age)
	}
	return nil
}

// path command
var pathCmd = &cobra.Command{
	Use:   "path PATH",
	Short: "Show which storage contains PATH on this device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("path", args)
		if err != nil {
			return err
		}
		defer a.Close()

		absPath, err := filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("resolving path: %w", err)
		}

		st, rel, err := a.Service.CoveringStorage(cmd.Context(), absPath)
		if err != nil {
			return err
		}

		if len(rel) == 0 {
			fmt.Printf("%s is the root of storage %s\n", absPath, st.Name)
			return nil
		}
		fmt.Printf("%s is %s inside storage %s\n", absPath, rel, st.Name)
		return nil
	},
}

// sync command
var syncCmd = &cobra.Command{
	Use:   "sync [REMOTE]",
	Short: "Fast-forward pull and push the registry",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("sync", args)
		if err != nil {
			return err
		}
		defer a.Close()

		remote := a.Config().Git.DefaultRemote
		if len(args) == 1 {
			remote = args[0]
		}

		if err := a.PersistOperation(); err != nil {
			return err
		}
		outcome, err := a.Service.Synchronize(cmd.Context(), remote)
		if err != nil {
			a.Fail()
			var diverged *gitrepo.DivergedError
			if errors.As(err, &diverged) {
				return fmt.Errorf("%w\nresolve the divergence with git in %s, then sync again", err, a.Config().RepoDir())
			}
			return err
		}

		fmt.Printf("Synchronized with %s: %s\n", outcome.Remote, outcome)
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View the local operation log",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp("history", args)
		if err != nil {
			return err
		}
		defer a.Close()

		ops, err := a.History(limit)
		if err != nil {
			return err
		}

		if len(ops) == 0 {
			fmt.Println("No operations recorded.")
			return nil
		}

		for _, op := range ops {
			duration := ""
			if op.FinishedAt != nil {
				duration = op.FinishedAt.Sub(op.StartedAt).Truncate(time.Millisecond).String()
			}
			fmt.Printf("%-15s %s  %-10s %s\n",
				op.Operation,
				op.StartedAt.Format("2006-01-02 15:04:05"),
				op.Status,
				duration,
			)
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	initCmd.Flags().String("name", "", "Device name (prompted when omitted)")
	initCmd.Flags().String("repo", "", "Existing registry repository URL to clone")
	initCmd.Flags().String("ssh-key", "", "SSH identity file for git (overrides config)")

	deviceCmd.AddCommand(deviceListCmd)
	deviceCmd.AddCommand(deviceRenameCmd)

	storageCmd.AddCommand(storageAddCmd)
	storageAddCmd.Flags().String("mount", "", "Mount path on this device")
	storageAddCmd.Flags().String("alias", "", "Device-local alias")
	storageAddCmd.Flags().String("provider", "", "Provider name (online storages)")
	storageAddCmd.Flags().Uint64("capacity", 0, "Capacity in bytes")
	storageAddCmd.Flags().String("parent", "", "Parent storage name (subdir storages)")
	storageAddCmd.Flags().String("notes", "", "Free-form notes")
	storageCmd.AddCommand(storageBindCmd)
	storageBindCmd.Flags().String("alias", "", "Device-local alias")
	storageCmd.AddCommand(storageListCmd)

	backupCmd.AddCommand(backupAddCmd)
	backupAddCmd.Flags().String("from", "", "Source storage name")
	backupAddCmd.Flags().String("to", "", "Destination storage name")
	backupAddCmd.Flags().String("notes", "", "Free-form notes")
	backupAddCmd.MarkFlagRequired("from")
	backupAddCmd.MarkFlagRequired("to")
	backupCmd.AddCommand(backupDoneCmd)
	backupCmd.AddCommand(backupListCmd)

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(deviceCmd)
	rootCmd.AddCommand(storageCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(pathCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of operations to show")
}
