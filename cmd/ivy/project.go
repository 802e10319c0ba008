package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/paiworks/ivy/internal/types"
	"github.com/paiworks/ivy/internal/ui"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage registered projects",
	Long: `Manage registered projects.

A project binds a key to a local checkout and (optionally) a remote repo.
Work items and features reference projects by key.

Examples:
  ivy project register demo --path ~/code/demo --name "Demo service"
  ivy project list
  ivy project import projects.yaml`,
}

var (
	projectPath     string
	projectName     string
	projectRemote   string
	projectSpecFlow bool
	projectMaxRwk   int
)

var projectRegisterCmd = &cobra.Command{
	Use:   "register <project-id>",
	Short: "Register a project",
	Args:  cobra.ExactArgs(1),
	RunE:  runProjectRegister,
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered projects",
	RunE:  runProjectList,
}

var projectImportCmd = &cobra.Command{
	Use:   "import <manifest.yaml>",
	Short: "Register projects from a YAML manifest",
	Long: `Register projects from a YAML manifest.

Manifest format:

  projects:
    - id: demo
      name: Demo service
      path: /home/user/code/demo
      remote: git@github.com:acme/demo.git
      specflow: true
      max_rework_cycles: 2`,
	Args: cobra.ExactArgs(1),
	RunE: runProjectImport,
}

func init() {
	projectRegisterCmd.Flags().StringVar(&projectPath, "path", "", "local checkout path")
	projectRegisterCmd.Flags().StringVar(&projectName, "name", "", "display name (defaults to the id)")
	projectRegisterCmd.Flags().StringVar(&projectRemote, "remote", "", "remote repository URL")
	projectRegisterCmd.Flags().BoolVar(&projectSpecFlow, "specflow", false, "enable SpecFlow orchestration")
	projectRegisterCmd.Flags().IntVar(&projectMaxRwk, "max-rework-cycles", 0, "project rework ceiling (0 = default)")

	projectCmd.AddCommand(projectRegisterCmd, projectListCmd, projectImportCmd)
	rootCmd.AddCommand(projectCmd)
}

func runProjectRegister(cmd *cobra.Command, args []string) error {
	name := projectName
	if name == "" {
		name = args[0]
	}
	metadata := map[string]any{}
	if projectSpecFlow {
		metadata["specflow_enabled"] = true
	}
	if projectMaxRwk > 0 {
		metadata["max_rework_cycles"] = projectMaxRwk
	}
	p := &types.Project{
		ID:          args[0],
		DisplayName: name,
		LocalPath:   projectPath,
		RemoteRepo:  projectRemote,
		Metadata:    metadata,
	}
	if err := store.RegisterProject(cmd.Context(), p); err != nil {
		return err
	}
	if jsonOutput() {
		return ui.PrintJSON(p)
	}
	fmt.Println(ui.SuccessStyle.Render("✓") + " registered " + p.ID)
	return nil
}

func runProjectList(cmd *cobra.Command, args []string) error {
	projects, err := store.ListProjects(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput() {
		return ui.PrintJSON(projects)
	}
	if len(projects) == 0 {
		fmt.Println(ui.MutedStyle.Render("No projects."))
		return nil
	}
	t := ui.NewTable("PROJECT", "NAME", "PATH", "SPECFLOW")
	for _, p := range projects {
		specflow := ""
		if p.SpecFlowEnabled() {
			specflow = "yes"
		}
		t.Row(p.ID, p.DisplayName, p.LocalPath, specflow)
	}
	fmt.Println(t.Render())
	return nil
}

type projectManifest struct {
	Projects []struct {
		ID              string `yaml:"id"`
		Name            string `yaml:"name"`
		Path            string `yaml:"path"`
		Remote          string `yaml:"remote"`
		SpecFlow        bool   `yaml:"specflow"`
		MaxReworkCycles int    `yaml:"max_rework_cycles"`
	} `yaml:"projects"`
}

func runProjectImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}
	var manifest projectManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("failed to parse manifest: %w", err)
	}
	if len(manifest.Projects) == 0 {
		return fmt.Errorf("manifest %s defines no projects", args[0])
	}

	var registered []string
	for _, entry := range manifest.Projects {
		if entry.ID == "" {
			return fmt.Errorf("manifest entry without an id")
		}
		name := entry.Name
		if name == "" {
			name = entry.ID
		}
		metadata := map[string]any{}
		if entry.SpecFlow {
			metadata["specflow_enabled"] = true
		}
		if entry.MaxReworkCycles > 0 {
			metadata["max_rework_cycles"] = entry.MaxReworkCycles
		}
		err := store.RegisterProject(cmd.Context(), &types.Project{
			ID:          entry.ID,
			DisplayName: name,
			LocalPath:   entry.Path,
			RemoteRepo:  entry.Remote,
			Metadata:    metadata,
		})
		if err != nil {
			return fmt.Errorf("failed to register %s: %w", entry.ID, err)
		}
		registered = append(registered, entry.ID)
	}

	if jsonOutput() {
		return ui.PrintJSON(map[string]any{"registered": registered})
	}
	fmt.Printf("%s registered %d project(s)\n", ui.SuccessStyle.Render("✓"), len(registered))
	return nil
}
