package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/raphaelgruber/embedctl/internal/models"
	"github.com/raphaelgruber/embedctl/internal/parser"
	"github.com/raphaelgruber/embedctl/internal/service"
	"github.com/spf13/cobra"
)

var (
	embedOut       string
	embedPlain     bool
	embedChunkSize int
	embedOverlap   int
	embedNoHeading bool
	embedDryRun    bool
)

var embedCmd = &cobra.Command{
	Use:   "embed <file>...",
	Short: "Chunk files and embed them as one job",
	Long: `Split files into chunks and embed every chunk as one job.

Markdown files are chunked by section, other files by paragraph. Files with
"embed: false" in their frontmatter are skipped. The result (vectors keyed by
chunk id, failed chunk ids and job metrics) is written as JSON.

Examples:
  embedctl embed notes/*.md -o vectors.json
  embedctl embed README.md --chunk-size 400 --plain
  embedctl embed docs/*.md --dry-run`,
	Args: cobra.MinimumNArgs(1),
	RunE: runEmbed,
}

func init() {
	defaults := parser.DefaultChunkConfig()
	embedCmd.Flags().StringVarP(&embedOut, "out", "o", "-", "output file for the JSON result (- for stdout)")
	embedCmd.Flags().BoolVar(&embedPlain, "plain", false, "print plain progress lines instead of the progress bar")
	embedCmd.Flags().IntVar(&embedChunkSize, "chunk-size", defaults.TargetSize, "target chunk size in characters")
	embedCmd.Flags().IntVar(&embedOverlap, "overlap", defaults.Overlap, "characters repeated between consecutive chunks")
	embedCmd.Flags().BoolVar(&embedNoHeading, "no-heading", false, "do not prefix chunks with their heading path")
	embedCmd.Flags().BoolVar(&embedDryRun, "dry-run", false, "print the chunks without embedding them")
}

func runEmbed(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	chunkCfg := parser.DefaultChunkConfig()
	chunkCfg.TargetSize = embedChunkSize
	chunkCfg.Overlap = embedOverlap
	chunkCfg.HeadingContext = !embedNoHeading
	if chunkCfg.MaxSize < chunkCfg.TargetSize {
		chunkCfg.MaxSize = chunkCfg.TargetSize + chunkCfg.TargetSize/3
	}

	chunks, err := parser.ChunkFiles(args, chunkCfg)
	if err != nil {
		return fmt.Errorf("chunk files: %w", err)
	}
	if len(chunks) == 0 {
		return fmt.Errorf("no content to embed in %d file(s)", len(args))
	}

	if embedDryRun {
		for _, c := range chunks {
			fmt.Printf("%s (%d chars)\n", c.ID, len(c.Text))
		}
		fmt.Printf("\n%d chunks from %d file(s)\n", len(chunks), len(args))
		return nil
	}

	cmds := deps.Commands

	// Progress waits until the display exists.
	var ui progressUI
	ready := make(chan struct{})
	job, err := cmds.SubmitJob(ctx, chunks, func(s models.JobSnapshot) {
		<-ready
		ui.Update(s)
	})
	if err != nil {
		return err
	}
	ui = newProgressUI(job.ID, len(chunks), !embedPlain)
	close(ready)
	logger.Info("embedding job started", "job_id", job.ID, "chunks", len(chunks), "files", len(args))

	select {
	case <-job.Done():
	case <-ui.Quit():
		if err := cmds.DeleteJob(ctx, job.ID); err != nil {
			logger.Warn("failed to delete cancelled job", "job_id", job.ID, "error", err)
		}
		<-job.Done()
		return fmt.Errorf("job %s cancelled", job.ID)
	case <-ctx.Done():
		_ = cmds.DeleteJob(context.WithoutCancel(ctx), job.ID)
		<-job.Done()
		return ctx.Err()
	}

	res, jobErr := cmds.Wait(ctx, job.ID)
	if err := ui.Finish(res, jobErr); err != nil {
		return err
	}
	return writeResult(embedOut, res)
}

func writeResult(path string, res *service.Result) error {
	var w io.Writer = os.Stdout
	if path != "" && path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}
