package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/thewalkeragency/tree-ring/internal/chunker"
	"github.com/thewalkeragency/tree-ring/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "chunk [text]",
		Short: "Split text or structured data into semantic chunks",
		Long:  "Run the chunker without touching storage. Input comes from args, --file or stdin.",
		Run:   runChunk,
	}

	cmd.Flags().String("file", "", "Read input from a file")
	cmd.Flags().Int("size", 0, "Chunk size in characters (default from config)")
	cmd.Flags().Int("overlap", -1, "Overlap in characters (default from config)")
	cmd.Flags().Int("min", -1, "Minimum chunk size (default from config)")
	cmd.Flags().Bool("structured", false, "Parse input as YAML/JSON and chunk the structure")
	cmd.Flags().Bool("merge", false, "Print the merged text instead of the chunks")
	cmd.Flags().Bool("stats", false, "Print chunk statistics instead of the chunks")

	RootCmd.AddCommand(cmd)
}

func runChunk(cmd *cobra.Command, args []string) {
	size, _ := cmd.Flags().GetInt("size")
	overlap, _ := cmd.Flags().GetInt("overlap")
	minSize, _ := cmd.Flags().GetInt("min")
	structured, _ := cmd.Flags().GetBool("structured")
	merge, _ := cmd.Flags().GetBool("merge")
	stats, _ := cmd.Flags().GetBool("stats")

	cfg := loadConfig()
	opts := chunker.Options{
		ChunkSize:         cfg.Chunker.ChunkSize,
		Overlap:           cfg.Chunker.Overlap,
		MinChunkSize:      cfg.Chunker.MinChunkSize,
		PreserveStructure: cfg.Chunker.PreserveStructure,
	}
	if size > 0 {
		opts.ChunkSize = size
	}
	if overlap >= 0 {
		opts.Overlap = overlap
	}
	if minSize >= 0 {
		opts.MinChunkSize = minSize
	}
	c, err := chunker.New(opts)
	if err != nil {
		exitErr("chunker", err)
	}

	input := readInput(cmd, args)
	if strings.TrimSpace(input) == "" {
		exitErr("chunk", fmt.Errorf("input is required (positional arg, --file or stdin)"))
	}

	var chunks []model.Chunk
	if structured {
		var data any
		if err := yaml.Unmarshal([]byte(input), &data); err != nil {
			exitErr("parse input", err)
		}
		chunks, err = c.ChunkStructured(data, nil)
		if err != nil {
			exitErr("chunk", err)
		}
	} else {
		chunks = c.ChunkText(input, nil)
	}

	switch {
	case stats:
		printJSON(c.Stats(chunks))
	case merge:
		printJSON(c.Merge(chunks, chunker.MergeOptions{IncludeMetadata: true}))
	default:
		if chunks == nil {
			chunks = []model.Chunk{}
		}
		printJSON(chunks)
	}
}
