package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/pflag"

	"github.com/flo-mic/debdeploy/internal/config"
	"github.com/flo-mic/debdeploy/internal/updatespec"
)

// specAnswers are the values collected by the new-spec wizard.
type specAnswers struct {
	Source     string
	UpdateType string
	Comment    string
	// Versions holds the fixed version per distribution; empty means the
	// distribution is not affected.
	Versions  map[string]*string
	Libraries string
	Downgrade bool
}

// NewSpec runs the interactive wizard that writes an update spec.
func NewSpec(args []string, stdout, stderr io.Writer) error {
	fs := pflag.NewFlagSet("new-spec", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", config.DefaultMasterPath, "Path to master config")
	force := fs.BoolP("force", "f", false, "Overwrite an existing spec")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: debdeploy new-spec [--force] <file.yaml>")
	}
	path := fs.Arg(0)

	if _, err := os.Stat(path); err == nil && !*force {
		fmt.Fprintf(stdout, "%s already exists. Run with --force to overwrite.\n", path)
		return nil
	}

	cfg, err := config.LoadMasterConfig(*configPath)
	if err != nil {
		return err
	}

	a := specAnswers{Versions: make(map[string]*string)}
	typeOptions := make([]huh.Option[string], len(updatespec.UpdateTypes))
	for i, t := range updatespec.UpdateTypes {
		typeOptions[i] = huh.NewOption(fmt.Sprintf("%s: %s", t, t.Description()), string(t))
	}

	if err := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("Source package").
			Description("The Debian source package to update, e.g. openssl").
			Value(&a.Source).
			Validate(func(s string) error {
				if strings.TrimSpace(s) == "" {
					return fmt.Errorf("source package cannot be empty")
				}
				return nil
			}),
		huh.NewSelect[string]().
			Title("Update type").
			Options(typeOptions...).
			Value(&a.UpdateType),
		huh.NewInput().
			Title("Comment").
			Description("Optional, e.g. the advisory this update fixes").
			Value(&a.Comment),
	)).Run(); err != nil {
		return err
	}

	var versionFields []huh.Field
	for _, distro := range cfg.Distros {
		v := new(string)
		a.Versions[distro] = v
		versionFields = append(versionFields, huh.NewInput().
			Title("Fixed version for "+distro).
			Description("Leave empty if "+distro+" is not affected").
			Value(v))
	}
	if err := huh.NewForm(huh.NewGroup(versionFields...)).Run(); err != nil {
		return err
	}

	if a.UpdateType == string(updatespec.Library) {
		if err := huh.NewForm(huh.NewGroup(
			huh.NewInput().
				Title("Library base names").
				Description("Comma-separated, e.g. libssl,libcrypto. Empty uses library_hints.").
				Value(&a.Libraries),
		)).Run(); err != nil {
			return err
		}
	}

	if err := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title("Allow downgrades?").
			Description("Needed when the fixed version is lower than the installed one").
			Value(&a.Downgrade),
	)).Run(); err != nil {
		return err
	}

	spec, err := buildSpec(a, cfg.Distros)
	if err != nil {
		return err
	}
	if err := spec.Save(path); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	fmt.Fprintf(stdout, "Created %s\n", path)
	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, "Next steps:")
	fmt.Fprintf(stdout, "  1. Review %s\n", path)
	fmt.Fprintf(stdout, "  2. Run: debdeploy deploy --spec %s --group <group>\n", path)
	return nil
}

func buildSpec(a specAnswers, distros []string) (*updatespec.Spec, error) {
	updateType, err := updatespec.ParseUpdateType(a.UpdateType)
	if err != nil {
		return nil, err
	}
	spec := &updatespec.Spec{
		Source:     strings.TrimSpace(a.Source),
		Comment:    strings.TrimSpace(a.Comment),
		UpdateType: updateType,
		Fixes:      make(map[string]string),
		Downgrade:  a.Downgrade,
	}
	for distro, v := range a.Versions {
		if v != nil && strings.TrimSpace(*v) != "" {
			spec.Fixes[distro] = strings.TrimSpace(*v)
		}
	}
	for _, lib := range strings.Split(a.Libraries, ",") {
		if lib = strings.TrimSpace(lib); lib != "" {
			spec.Libraries = append(spec.Libraries, lib)
		}
	}
	if err := spec.Validate(distros); err != nil {
		return nil, err
	}
	return spec, nil
}
