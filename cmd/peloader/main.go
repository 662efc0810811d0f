// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	mmap "github.com/edsrzf/mmap-go"
	"github.com/spf13/cobra"

	pecoff "github.com/saferwall/pecoffloader"
)

var (
	cfgFile    string
	loadBase   string
	relocateTo string
	withFixups bool
)

func prettyPrint(iface interface{}) string {
	var prettyJSON bytes.Buffer
	buff, _ := json.Marshal(iface)
	err := json.Indent(&prettyJSON, buff, "", "\t")
	if err != nil {
		return string(buff)
	}
	return prettyJSON.String()
}

// mmapReader backs a pecoff.ImageReadFunc with a memory-mapped file, the
// same role mmap plays in a full-file parse: the kernel pages image bytes
// in on demand instead of the tool slurping the whole file up front.
func mmapReader(handle interface{}, fileOffset uint32, size *uint32, destination []byte) error {
	data, ok := handle.(mmap.MMap)
	if !ok {
		return fmt.Errorf("handle is not a memory-mapped file")
	}
	start := int64(fileOffset)
	end := start + int64(*size)
	if end > int64(len(data)) {
		return fmt.Errorf("read of %d bytes at offset %d runs past end of file (%d bytes)",
			*size, fileOffset, len(data))
	}
	copy(destination, data[start:end])
	return nil
}

func openImage(filename string) (mmap.MMap, *os.File, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, nil, err
	}
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return data, f, nil
}

// imageInfo is the JSON shape the info and dump commands print.
type imageInfo struct {
	IsTeImage              bool   `json:"is_te_image"`
	Machine                string `json:"machine"`
	ImageType              string `json:"image_type"`
	PeCoffHeaderOffset     uint32 `json:"pecoff_header_offset"`
	ImageAddress           string `json:"image_address"`
	ImageSize              uint64 `json:"image_size"`
	SectionAlignment       uint32 `json:"section_alignment"`
	SizeOfHeaders          uint32 `json:"size_of_headers"`
	RelocationsStripped    bool   `json:"relocations_stripped"`
	DebugDirectoryEntryRva uint32 `json:"debug_directory_entry_rva"`
}

func describe(ctx *pecoff.ImageContext) imageInfo {
	return imageInfo{
		IsTeImage:              ctx.IsTeImage,
		Machine:                ctx.Machine.String(),
		ImageType:              ctx.ImageType.String(),
		PeCoffHeaderOffset:     ctx.PeCoffHeaderOffset,
		ImageAddress:           fmt.Sprintf("0x%x", ctx.ImageAddress),
		ImageSize:              ctx.ImageSize,
		SectionAlignment:       ctx.SectionAlignment,
		SizeOfHeaders:          ctx.SizeOfHeaders,
		RelocationsStripped:    ctx.RelocationsStripped,
		DebugDirectoryEntryRva: ctx.DebugDirectoryEntryRva,
	}
}

func parseAddress(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 0, 64)
}

func infoImage(filename string, cfg *config) error {
	data, f, err := openImage(filename)
	if err != nil {
		return err
	}
	defer f.Close()
	defer data.Unmap()

	ctx := pecoff.NewImageContext(data, mmapReader, cfg.loaderOptions())
	if err := pecoff.GetImageInfo(ctx); err != nil {
		return fmt.Errorf("%s: %w", filename, err)
	}
	fmt.Println(prettyPrint(describe(ctx)))
	return nil
}

// loadImage runs the full info + load sequence, optionally overriding the
// load address, and returns the context plus the buffer it loaded into.
func loadImage(filename string, cfg *config, base string) (*pecoff.ImageContext, []byte, func(), error) {
	data, f, err := openImage(filename)
	if err != nil {
		return nil, nil, nil, err
	}
	cleanup := func() {
		data.Unmap()
		f.Close()
	}

	ctx := pecoff.NewImageContext(data, mmapReader, cfg.loaderOptions())
	if err := pecoff.GetImageInfo(ctx); err != nil {
		cleanup()
		return nil, nil, nil, fmt.Errorf("%s: %w", filename, err)
	}

	if base != "" {
		addr, err := parseAddress(base)
		if err != nil {
			cleanup()
			return nil, nil, nil, fmt.Errorf("invalid --base address %q: %w", base, err)
		}
		ctx.ImageAddress = addr
	}

	buffer := make([]byte, ctx.ImageSize)
	if err := pecoff.LoadImage(ctx, buffer); err != nil {
		cleanup()
		return nil, nil, nil, fmt.Errorf("%s: %w", filename, err)
	}
	return ctx, buffer, cleanup, nil
}

// pdbPath reads the NUL-terminated PDB path string PdbPointer references
// inside the loaded image buffer.
func pdbPath(ctx *pecoff.ImageContext, buffer []byte) string {
	if ctx.PdbPointer == 0 || ctx.PdbPointer < ctx.ImageAddress {
		return ""
	}
	off := ctx.PdbPointer - ctx.ImageAddress
	if off >= uint64(len(buffer)) {
		return ""
	}
	tail := buffer[off:]
	if i := bytes.IndexByte(tail, 0); i >= 0 {
		tail = tail[:i]
	}
	return string(tail)
}

func main() {

	var rootCmd = &cobra.Command{
		Use:   "peloader",
		Short: "A PE/COFF and TE image loader for firmware executables",
		Long:  "Parses, loads and relocates EFI applications and drivers in PE32, PE32+ and TE form",
		Run: func(cmd *cobra.Command, args []string) {
		},
	}

	var versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version number",
		Long:  "Print version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Print("You are using version 0.1.0")
		},
	}

	var infoCmd = &cobra.Command{
		Use:   "info",
		Short: "Classify an image and print its loader-relevant geometry",
		Long:  "Runs the info collection pass and prints the image's machine, subsystem, size and alignment as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return err
			}
			return infoImage(args[0], cfg)
		},
	}

	var loadCmd = &cobra.Command{
		Use:   "load",
		Short: "Load an image into a fresh buffer",
		Long:  "Copies headers and sections into a buffer sized from the info pass and resolves the entry point and PDB path",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return err
			}
			ctx, buffer, cleanup, err := loadImage(args[0], cfg, loadBase)
			if err != nil {
				return err
			}
			defer cleanup()

			fmt.Printf("loaded %d bytes at 0x%x\n", ctx.ImageSize, ctx.ImageAddress)
			fmt.Printf("entry point: 0x%x\n", ctx.EntryPoint)
			if path := pdbPath(ctx, buffer); path != "" {
				fmt.Printf("pdb: %s\n", path)
			}
			return nil
		},
	}

	var relocateCmd = &cobra.Command{
		Use:   "relocate",
		Short: "Load an image and apply base relocations",
		Long:  "Loads the image, then patches every base-relocation fixup so it would execute at the --to address",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return err
			}
			ctx, buffer, cleanup, err := loadImage(args[0], cfg, loadBase)
			if err != nil {
				return err
			}
			defer cleanup()

			to, err := parseAddress(relocateTo)
			if err != nil {
				return fmt.Errorf("invalid --to address %q: %w", relocateTo, err)
			}
			ctx.DestinationAddress = to
			if withFixups && ctx.FixupDataSize > 0 {
				ctx.FixupData = make([]byte, ctx.FixupDataSize)
			}

			linked := ctx.ImageAddress
			if err := pecoff.RelocateImage(ctx, buffer); err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}

			target := to
			if target == 0 {
				target = ctx.ImageAddress
			}
			fmt.Printf("relocated from 0x%x to 0x%x (adjust 0x%x)\n",
				linked, target, target-linked)
			fmt.Printf("entry point: 0x%x\n", ctx.EntryPoint)
			return nil
		},
	}

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(loadCmd)
	rootCmd.AddCommand(relocateCmd)
	rootCmd.AddCommand(newDumpCmd())

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to a config file")
	loadCmd.Flags().StringVarP(&loadBase, "base", "", "", "load address override (defaults to the linked base)")
	relocateCmd.Flags().StringVarP(&loadBase, "base", "", "", "load address override (defaults to the linked base)")
	relocateCmd.Flags().StringVarP(&relocateTo, "to", "", "", "runtime address to relocate for (defaults to the load address)")
	relocateCmd.Flags().BoolVarP(&withFixups, "fixup-log", "", false, "record applied fixups the way a runtime driver would")

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

}
