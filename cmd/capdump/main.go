// Command capdump inspects and transcodes framed messages.
//
// By default each input file is parsed and its segment table and root
// object tree are printed. With -to, the file is transcoded between
// the flat and packed encodings instead.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/capwire/capwire"
	"github.com/capwire/capwire/serialize"
)

func main() {
	var (
		packed  = flag.Bool("packed", false, "Inputs use the packed encoding")
		to      = flag.String("to", "", "Transcode to the given encoding (flat or packed) and write to -o")
		out     = flag.String("o", "", "Output file for -to (default: stdout)")
		limit   = flag.Uint64("limit", 0, "Traversal word limit (default: 8Mi words)")
		maxElem = flag.Int("max-elems", 8, "List elements to print before truncating")
	)
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Usage: capdump [-packed] [-limit n] <file>...")
		fmt.Fprintln(os.Stderr, "       capdump [-packed] -to flat|packed [-o out] <file>")
		os.Exit(1)
	}

	if *to != "" {
		if flag.NArg() != 1 {
			fmt.Fprintln(os.Stderr, "Error: -to takes exactly one input file")
			os.Exit(1)
		}
		if err := transcode(flag.Arg(0), *out, *packed, *to, *limit); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Parse files concurrently, print in argument order.
	reports := make([]string, flag.NArg())
	var g errgroup.Group
	for i, name := range flag.Args() {
		i, name := i, name
		g.Go(func() error {
			r, err := inspect(name, *packed, *limit, *maxElem)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			reports[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	for _, r := range reports {
		fmt.Print(r)
	}
}

func readLimits(limit uint64) capwire.Limits {
	limits := capwire.DefaultLimits()
	if limit > 0 {
		limits.TraversalWords = limit
	}
	return limits
}

func load(name string, packed bool, limit uint64) (*capwire.Message, int, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, 0, err
	}
	var m *capwire.Message
	if packed {
		m, err = serialize.UnmarshalPacked(data, readLimits(limit))
	} else {
		m, err = serialize.Unmarshal(data, readLimits(limit))
	}
	if err != nil {
		return nil, 0, err
	}
	return m, len(data), nil
}

func transcode(name, out string, packedIn bool, to string, limit uint64) error {
	m, _, err := load(name, packedIn, limit)
	if err != nil {
		return err
	}
	var data []byte
	switch to {
	case "flat":
		data, err = serialize.Marshal(m)
	case "packed":
		data, err = serialize.MarshalPacked(m)
	default:
		return fmt.Errorf("unknown encoding %q", to)
	}
	if err != nil {
		return err
	}
	if out == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(out, data, 0o644)
}

func inspect(name string, packed bool, limit uint64, maxElems int) (string, error) {
	m, size, err := load(name, packed, limit)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d bytes, %d segments\n", name, size, m.NumSegments())
	for i := 0; i < m.NumSegments(); i++ {
		seg, err := m.Segment(capwire.SegmentID(i))
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "  segment %d: %d words\n", i, seg.Len()/8)
	}

	root, err := m.Root()
	if err != nil {
		return "", err
	}
	fmt.Fprintf(&b, "root:\n")
	if err := dumpPtr(&b, root, 1, maxElems); err != nil {
		return "", err
	}
	return b.String(), nil
}

func dumpPtr(b *strings.Builder, p capwire.Ptr, depth, maxElems int) error {
	indent := strings.Repeat("  ", depth)
	switch {
	case !p.IsValid():
		fmt.Fprintf(b, "%snull\n", indent)
	case p.IsStruct():
		s := p.Struct()
		sz := s.Size()
		fmt.Fprintf(b, "%sstruct {%d data words, %d pointers}\n", indent, sz.DataWords, sz.PointerCount)
		for off := uint32(0); off < uint32(sz.DataWords); off++ {
			if v := s.Uint64(off * 8); v != 0 {
				fmt.Fprintf(b, "%s  data[%d] = %#016x\n", indent, off, v)
			}
		}
		for i := uint16(0); i < sz.PointerCount; i++ {
			fp, err := s.Ptr(i)
			if err != nil {
				return err
			}
			fmt.Fprintf(b, "%s  ptr[%d]:\n", indent, i)
			if err := dumpPtr(b, fp, depth+2, maxElems); err != nil {
				return err
			}
		}
	case p.IsList():
		l := p.List()
		switch l.ElemSize() {
		case capwire.ElemSize1Byte:
			fmt.Fprintf(b, "%stext/data (%d bytes) %q\n", indent, l.Len(), preview(p.Data(), maxElems))
		case capwire.ElemSizeComposite, capwire.ElemSizePointer:
			fmt.Fprintf(b, "%slist (%d elements)\n", indent, l.Len())
			n := l.Len()
			if n > maxElems {
				n = maxElems
			}
			for i := 0; i < n; i++ {
				var (
					ep  capwire.Ptr
					err error
				)
				if l.ElemSize() == capwire.ElemSizeComposite {
					var es capwire.Struct
					es, err = l.Struct(i)
					ep = es.ToPtr()
				} else {
					ep, err = l.Ptr(i)
				}
				if err != nil {
					return err
				}
				if err := dumpPtr(b, ep, depth+1, maxElems); err != nil {
					return err
				}
			}
			if l.Len() > n {
				fmt.Fprintf(b, "%s  ... %d more\n", indent, l.Len()-n)
			}
		default:
			fmt.Fprintf(b, "%sscalar list (%d elements, class %d)\n", indent, l.Len(), l.ElemSize())
		}
	case p.IsCapability():
		fmt.Fprintf(b, "%scapability #%d\n", indent, p.Interface().Capability())
	}
	return nil
}

func preview(data []byte, max int) string {
	if max < 16 {
		max = 16
	}
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}
