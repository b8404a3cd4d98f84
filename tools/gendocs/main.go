// Command gendocs writes the mupeer man pages and markdown CLI reference.
//
// Man pages are dated from SOURCE_DATE_EPOCH, or the Unix epoch when it is
// unset, so regenerating them without CLI changes leaves the tree clean.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/cobra/doc"

	"mupeer.dev/go/mupeer/internal/cli"
)

func main() {
	manDir := flag.String("man", "./man", "man page output directory")
	mdDir := flag.String("md", "./docs/cli", "markdown output directory")
	flag.Parse()

	root := cli.RootCmd
	disableAutoGenTag(root)

	header := &doc.GenManHeader{
		Title:   "MUPEER",
		Section: "1",
		Source:  "mupeer",
		Manual:  "mupeer manual",
		Date:    sourceDate(),
	}

	if err := os.MkdirAll(*manDir, 0755); err != nil {
		log.Fatalf("Failed to create man directory: %v", err)
	}
	if err := doc.GenManTree(root, header, *manDir); err != nil {
		log.Fatalf("Failed to generate man pages: %v", err)
	}
	log.Printf("Man pages generated in %s", *manDir)

	if err := os.MkdirAll(*mdDir, 0755); err != nil {
		log.Fatalf("Failed to create docs directory: %v", err)
	}
	if err := doc.GenMarkdownTreeCustom(root, *mdDir, frontMatter, linkHandler); err != nil {
		log.Fatalf("Failed to generate markdown docs: %v", err)
	}
	log.Printf("Markdown docs generated in %s", *mdDir)
}

func disableAutoGenTag(cmd *cobra.Command) {
	cmd.DisableAutoGenTag = true
	for _, c := range cmd.Commands() {
		disableAutoGenTag(c)
	}
}

// sourceDate honours SOURCE_DATE_EPOCH for reproducible builds
func sourceDate() *time.Time {
	epoch := os.Getenv("SOURCE_DATE_EPOCH")
	if epoch == "" {
		t := time.Unix(0, 0).UTC()
		return &t
	}
	secs, err := strconv.ParseInt(epoch, 10, 64)
	if err != nil {
		log.Fatalf("Invalid SOURCE_DATE_EPOCH %q: %v", epoch, err)
	}
	t := time.Unix(secs, 0).UTC()
	return &t
}

// frontMatter titles each page after its command, e.g. "mupeer value set"
func frontMatter(filename string) string {
	name := strings.TrimSuffix(filepath.Base(filename), ".md")
	return fmt.Sprintf("---\ntitle: %q\n---\n\n", strings.ReplaceAll(name, "_", " "))
}

func linkHandler(name string) string {
	return name
}
