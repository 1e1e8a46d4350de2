package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/kstaniek/go-datalink/internal/datalink"
)

// printLinks writes one row per link. Port lists are resolved per link and
// a lookup failure is shown in place of the ports.
func printLinks(w io.Writer, links []datalink.DataLink) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTYPE\tPROTOCOLS\tHW-ISOTP\tPORTS")
	for _, dl := range links {
		ports := "-"
		if dl.Flags().Has(datalink.FlagPort) {
			ps, err := dl.Ports()
			switch {
			case err != nil:
				ports = "error: " + err.Error()
			case len(ps) > 0:
				ports = strings.Join(ps, ",")
			}
		}
		hw := "no"
		if dl.Flags().Has(datalink.FlagHardwareISOTP) {
			hw = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", dl.Name(), dl.Type(), dl.SupportedProtocols(), hw, ports)
	}
	return tw.Flush()
}
