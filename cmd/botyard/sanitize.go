package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zulandar/botyard/internal/sanitize"
)

func newSanitizeCmd() *cobra.Command {
	var (
		plain bool
		split int
	)

	cmd := &cobra.Command{
		Use:   "sanitize",
		Short: "Convert markdown from stdin to chat HTML",
		Long:  "Reads assistant-style markdown from stdin and prints the HTML the worker would send, optionally split into message-sized chunks.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSanitize(cmd.InOrStdin(), cmd.OutOrStdout(), plain, split)
		},
	}

	cmd.Flags().BoolVar(&plain, "plain", false, "print the plain-text fallback instead of HTML")
	cmd.Flags().IntVar(&split, "split", 0, "split output into chunks of at most N characters")
	return cmd
}

func runSanitize(in io.Reader, out io.Writer, plain bool, split int) error {
	data, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("sanitize: read input: %w", err)
	}
	text := sanitize.ToHTML(string(data))
	if plain {
		text = sanitize.StripTags(text)
	}
	if split <= 0 {
		fmt.Fprintln(out, text)
		return nil
	}
	chunks := sanitize.Split(text, split)
	fmt.Fprintln(out, strings.Join(chunks, "\n---\n"))
	return nil
}
