package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/open-edge-platform/nfi-writer/internal/hostmodel"
	"github.com/open-edge-platform/nfi-writer/internal/nfi"
	"github.com/open-edge-platform/nfi-writer/internal/utils/logger"
)

// Output format command flags
var (
	outputFormat string = "text" // Output format for info and scan results
	prettyJSON   bool   = false  // Pretty-print JSON output
	infoModel    string
)

// ImageInfo is what the info command reports about an image.
type ImageInfo struct {
	Path      string          `json:"path" yaml:"path"`
	Container string          `json:"container" yaml:"container"`
	Host      hostmodel.Model `json:"host" yaml:"host"`
	Image     *nfi.Image      `json:"image" yaml:"image"`
}

func validateFormat(cmd *cobra.Command, args []string) error {
	switch outputFormat {
	case "text", "json", "yaml":
		return nil
	default:
		return fmt.Errorf("unsupported --format %q (supported: text, json, yaml)", outputFormat)
	}
}

// createInfoCommand creates the info subcommand
func createInfoCommand() *cobra.Command {
	infoCmd := &cobra.Command{
		Use:   "info [flags] IMAGE_FILE",
		Short: "Shows the header and partition table of an NFI image",
		Long: `Info parses an NFI image the same way write does, without touching
the flash, and prints its format, model, stage sizes and the flash
addresses at which each partition ends. Without --model the running
model is used, or the model named in the image when none can be found.`,
		Args:              cobra.ExactArgs(1),
		PreRunE:           validateFormat,
		RunE:              executeInfo,
		ValidArgsFunction: imageFileCompletion,
	}

	infoCmd.Flags().StringVar(&outputFormat, "format", "text",
		"Specify the output format for the image details")
	infoCmd.Flags().BoolVar(&prettyJSON, "pretty", false,
		"Pretty-print JSON output (only for --format json)")
	infoCmd.Flags().StringVar(&infoModel, "model", "",
		"Check the image against this model")

	return infoCmd
}

// executeInfo handles the info command execution logic
func executeInfo(cmd *cobra.Command, args []string) error {
	log := logger.Logger()
	imageFile := args[0]
	cfg := currentConfig()
	log.Infof("Reading image file: %s", imageFile)

	src, err := nfi.Load(imageFile)
	if err != nil {
		return err
	}
	defer src.Close()

	name := infoModel
	if name == "" && cfg.Host.Model == "" {
		if detected, err := detectModel(cfg.Host.ModelFile); err == nil {
			name = detected
		} else {
			_, name, err = nfi.ReadHeader(src.Bytes())
			if err != nil {
				return fmt.Errorf("image inspection failed: %w", err)
			}
			log.Debugf("no host model available, checking against %q from the image", name)
		}
	}
	model, err := resolveModel(cfg, name)
	if err != nil {
		return err
	}

	img, err := nfi.Parse(src.Bytes(), model.Host())
	if err != nil {
		return fmt.Errorf("image inspection failed: %w", err)
	}

	info := &ImageInfo{Path: imageFile, Container: src.Container, Host: model, Image: img}
	return writeResult(cmd.OutOrStdout(), info, outputFormat, prettyJSON, func(w io.Writer) {
		printImageInfo(w, info)
	})
}

func printImageInfo(w io.Writer, info *ImageInfo) {
	img := info.Image
	fmt.Fprintf(w, "Image:      %s\n", info.Path)
	if info.Container != nfi.ContainerNone {
		fmt.Fprintf(w, "Container:  %s\n", info.Container)
	}
	fmt.Fprintf(w, "Format:     %s\n", img.Magic)
	fmt.Fprintf(w, "Model:      %s\n", img.Model)
	fmt.Fprintf(w, "ECC:        %s (host requires %s)\n", img.ECC, info.Host.ECC)
	fmt.Fprintf(w, "Length:     %d bytes\n", img.Length)
	fmt.Fprintln(w, "Stages:")
	for i, s := range img.Stages {
		from := uint32(0)
		end := "-"
		if i > 0 {
			if i > 1 {
				from = img.Boundaries[i-2]
			}
			end = fmt.Sprintf("%08x..%08x", from, img.Boundaries[i-1])
		}
		fmt.Fprintf(w, "  %d: %-18s | %08x..%08x (%d bytes)\n", i, end, s.Offset, s.End(), s.Size)
	}
	fmt.Fprintf(w, "Partitions: %d\n", img.ActiveStages())
}

// writeResult prints v in the requested format; text uses printText.
func writeResult(out io.Writer, v interface{}, format string, pretty bool, printText func(io.Writer)) error {
	switch format {
	case "text":
		printText(out)
		return nil

	case "json":
		var (
			b   []byte
			err error
		)
		if pretty {
			b, err = json.MarshalIndent(v, "", "  ")
		} else {
			b, err = json.Marshal(v)
		}
		if err != nil {
			return fmt.Errorf("marshal json: %w", err)
		}
		_, _ = fmt.Fprintln(out, string(b))
		return nil

	case "yaml":
		b, err := yaml.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal yaml: %w", err)
		}
		_, _ = fmt.Fprintln(out, string(b))
		return nil

	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}
