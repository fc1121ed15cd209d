// Command imgconv converts raster images between the formats supported
// by the imageio codecs.
//
// Usage:
//
//	imgconv conv [options] <input>   Convert an image (use "-" for stdin)
//	imgconv info <input>             Display container metadata
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/deepteams/imageio"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "conv":
		err = runConv(os.Args[2:])
	case "info":
		err = runInfo(os.Args[2:])
	case "-h", "-help", "--help", "help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "imgconv: unknown command %q\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "imgconv: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage:
  imgconv conv [options] <input>   Convert between PNG/JPEG/GIF/BMP/TIFF/WebP
  imgconv info <input>             Display container metadata

Use "-" as input to read from stdin, "-o -" to write to stdout.

Run "imgconv <command> -h" for command-specific options.
`)
}

// utiByExtension maps an output file extension to its UTI.
func utiByExtension(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return imageio.UTIPNG, nil
	case ".jpg", ".jpeg":
		return imageio.UTIJPEG, nil
	case ".gif":
		return imageio.UTIGIF, nil
	case ".bmp":
		return imageio.UTIBMP, nil
	case ".tif", ".tiff":
		return imageio.UTITIFF, nil
	case ".webp":
		return imageio.UTIWebP, nil
	}
	return "", fmt.Errorf("cannot infer format from extension of %q", path)
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func runConv(args []string) error {
	fs := flag.NewFlagSet("conv", flag.ContinueOnError)
	out := fs.String("o", "", "output file (extension selects the format; \"-\" for stdout as PNG)")
	quality := fs.Float64("q", 0.75, "lossy quality in [0,1] for JPEG and WebP")
	lossless := fs.Bool("lossless", false, "use the lossless WebP path")
	dither := fs.Bool("dither", false, "Floyd-Steinberg dithering for GIF output")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 || *out == "" {
		return fmt.Errorf("conv needs an input file and -o output")
	}

	data, err := readInput(fs.Arg(0))
	if err != nil {
		return err
	}
	src, err := imageio.NewSource(data)
	if err != nil {
		return err
	}

	uti := imageio.UTIPNG
	if *out != "-" {
		if uti, err = utiByExtension(*out); err != nil {
			return err
		}
	}

	opts := imageio.Properties{
		imageio.OptLossyQuality: imageio.Float(*quality),
		imageio.OptLossless:     imageio.Bool(*lossless),
		imageio.OptDither:       imageio.Bool(*dither),
	}
	count := src.Count()
	if uti != imageio.UTIGIF && uti != imageio.UTITIFF && uti != imageio.UTIWebP {
		count = 1
	}

	var buf bytes.Buffer
	dst, err := imageio.NewDestination(&buf, uti, count, opts)
	if err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		img, err := src.ImageAt(i)
		if err != nil {
			return err
		}
		props, err := src.PropertiesAt(i)
		if err != nil {
			return err
		}
		if err := dst.AddImage(img, props); err != nil {
			return err
		}
	}
	dst.SetContainerProperties(src.ContainerProperties())
	if err := dst.Finalize(); err != nil {
		return err
	}

	if *out == "-" {
		_, err = os.Stdout.Write(buf.Bytes())
		return err
	}
	return os.WriteFile(*out, buf.Bytes(), 0o644)
}

func runInfo(args []string) error {
	fs := flag.NewFlagSet("info", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("info needs exactly one input file")
	}
	data, err := readInput(fs.Arg(0))
	if err != nil {
		return err
	}

	format := imageio.Sniff(data)
	if format == imageio.FormatUnknown {
		return fmt.Errorf("unrecognized format")
	}
	src, err := imageio.NewSource(data)
	if err != nil {
		return err
	}

	fmt.Printf("format: %s\n", format)
	fmt.Printf("images: %d\n", src.Count())
	for i := 0; i < src.Count(); i++ {
		props, err := src.PropertiesAt(i)
		if err != nil {
			return err
		}
		w := props.GetInt(imageio.KeyPixelWidth, 0)
		h := props.GetInt(imageio.KeyPixelHeight, 0)
		fmt.Printf("  #%d: %dx%d", i, w, h)
		if d := props.GetFloat(imageio.KeyDelayTime, 0); d > 0 {
			fmt.Printf(" delay=%.2fs", d)
		}
		fmt.Println()
	}
	return nil
}
