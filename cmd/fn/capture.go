package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/cobra"

	"github.com/fieldnote/fieldnote/internal/dispatch"
	"github.com/fieldnote/fieldnote/internal/record"
	"github.com/fieldnote/fieldnote/internal/ui"
)

var (
	captureTitle   string
	captureCaption string
)

var captureCmd = &cobra.Command{
	Use:     "capture",
	GroupID: "capture",
	Short:   "Capture content for delivery to the backend",
}

var captureTextCmd = &cobra.Command{
	Use:   "text [content]",
	Short: "Capture a text note",
	Long: `Capture a text note. With no argument, opens an editor prompt.

Examples:
  fn capture text "the mitochondria is the powerhouse of the cell"
  echo "piped note" | fn capture text -
  fn capture text`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := resolveText(args)
		if err != nil {
			return err
		}
		if strings.TrimSpace(content) == "" {
			return fmt.Errorf("nothing to capture")
		}
		return submit(cmd, record.KindText, []record.Field{
			{Name: "content", Value: content},
		})
	},
}

var captureURLCmd = &cobra.Command{
	Use:   "url <address>",
	Short: "Capture a web link",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submit(cmd, record.KindURL, []record.Field{
			{Name: "url", Value: args[0]},
		})
	},
}

var capturePhotoCmd = &cobra.Command{
	Use:   "photo <file>",
	Short: "Capture a photo",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		field, err := fileField("image", args[0])
		if err != nil {
			return err
		}
		fields := []record.Field{field}
		if captureCaption != "" {
			fields = append(fields, record.Field{Name: "caption", Value: captureCaption})
		}
		return submit(cmd, record.KindPhoto, fields)
	},
}

var captureVoiceCmd = &cobra.Command{
	Use:   "voice <file>",
	Short: "Capture a voice recording",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		field, err := fileField("audio", args[0])
		if err != nil {
			return err
		}
		return submit(cmd, record.KindVoice, []record.Field{field})
	},
}

var capturePDFCmd = &cobra.Command{
	Use:   "pdf <file>",
	Short: "Capture a PDF document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		field, err := fileField("document", args[0])
		if err != nil {
			return err
		}
		return submit(cmd, record.KindPDF, []record.Field{field})
	},
}

var captureBookCmd = &cobra.Command{
	Use:   "book <page>...",
	Short: "Capture photographed book pages",
	Long: `Capture one or more photographed pages of a book as a single
submission. Pages are sent in argument order.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var fields []record.Field
		if captureTitle != "" {
			fields = append(fields, record.Field{Name: "title", Value: captureTitle})
		}
		for _, path := range args {
			field, err := fileField("pages", path)
			if err != nil {
				return err
			}
			fields = append(fields, field)
		}
		return submit(cmd, record.KindBook, fields)
	},
}

func init() {
	capturePhotoCmd.Flags().StringVar(&captureCaption, "caption", "", "caption to attach to the photo")
	captureBookCmd.Flags().StringVar(&captureTitle, "title", "", "book title")

	captureCmd.AddCommand(captureTextCmd, captureURLCmd, capturePhotoCmd,
		captureVoiceCmd, capturePDFCmd, captureBookCmd)
	rootCmd.AddCommand(captureCmd)
}

// resolveText returns the note content from the argument, stdin ("-"), or an
// interactive prompt.
func resolveText(args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return args[0], nil
	}

	if len(args) == 1 && args[0] == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		return string(data), nil
	}

	var content string
	form := huh.NewForm(huh.NewGroup(
		huh.NewText().
			Title("Note").
			Description("What do you want to capture?").
			Value(&content),
	))
	if err := form.Run(); err != nil {
		return "", err
	}
	return content, nil
}

// fileField reads path into an attachment field, sniffing the media type
// from content.
func fileField(name, path string) (record.Field, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return record.Field{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(data) == 0 {
		return record.Field{}, fmt.Errorf("%s is empty", path)
	}
	return record.Field{
		Name: name,
		Attachment: &record.Attachment{
			Data:      data,
			Filename:  filepath.Base(path),
			MediaType: mimetype.Detect(data).String(),
		},
	}, nil
}

// submit routes the capture through the dispatcher and reports the outcome.
func submit(cmd *cobra.Command, kind record.Kind, fields []record.Field) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	b, closeBus := connectBus(ctx, cfg, nil)
	defer closeBus()

	res, err := newDispatcher(cfg, st, b).Submit(ctx, kind, fields)
	if err != nil {
		return err
	}

	switch res.Status {
	case dispatch.StatusSent:
		fmt.Println(ui.Success(fmt.Sprintf("Captured %s (delivered)", kind)))
	case dispatch.StatusQueued:
		fmt.Println(ui.Warn(fmt.Sprintf("Saved %s offline, will sync (id %s)", kind, res.ID)))
	}
	return nil
}
