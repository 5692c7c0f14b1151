// Command tcpdissect reads a pcap file and runs every TCP segment in it
// through the engine package, printing one info-column-style line per
// segment and a final count of segments, conversations and reassembled
// PDUs.
//
// Grounded on tcpip.go's ProcessPackets: a pcapgo.Reader loop that hands
// each frame to a Wrap-style per-packet decode step, except here the
// decode step produces a segment.Meta/raw-bytes pair for engine.ProcessSegment
// instead of the teacher's own unsafe-pointer header overlay.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/rtx"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/m-lab/tcp-dissect/engine"
	"github.com/m-lab/tcp-dissect/segment"
)

var usage = `
SUMMARY
  Run every TCP segment of a pcap file through the dissection and
  stream-analysis engine, printing one info line per segment.

USAGE
  $ tcpdissect -pcap capture.pcap

`

var (
	pcapFile    = flag.String("pcap", "", "path to a pcap file to read")
	metricsAddr = flag.String("metrics.address", "", "address to serve Prometheus metrics on (empty disables)")
	quiet       = flag.Bool("quiet", false, "suppress the per-segment info lines, print only the final summary")
)

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s\n", os.Args[0])
		fmt.Fprintln(os.Stderr, usage)
		fmt.Fprintln(os.Stderr, "Flags:")
		flag.PrintDefaults()
	}
}

func main() {
	flag.Parse()
	flagx.ArgsFromEnv(flag.CommandLine)

	if *pcapFile == "" {
		flag.Usage()
		os.Exit(2)
	}

	if *metricsAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			log.Println(http.ListenAndServe(*metricsAddr, nil))
		}()
	}

	data, err := os.ReadFile(*pcapFile)
	rtx.Must(err, "reading pcap file")

	summary, err := run(data)
	rtx.Must(err, "processing pcap")

	fmt.Printf("segments: %d  conversations: %d  reassembled PDUs: %d\n",
		summary.segments, summary.conversations, summary.pdus)
}

type runSummary struct {
	segments      int
	conversations int
	pdus          int
}

// run feeds every TCP segment in data through one Engine, in the order
// the pcap file lists them (spec §5: the engine is frame-order
// sensitive; captures must be replayed in the order they were recorded).
func run(data []byte) (runSummary, error) {
	reader, err := pcapgo.NewReader(bytes.NewReader(data))
	if err != nil {
		return runSummary{}, err
	}

	e := engine.New(engine.DefaultConfig())
	var summary runSummary
	var frame uint64

	for raw, ci, err := reader.ReadPacketData(); err != io.EOF; raw, ci, err = reader.ReadPacketData() {
		if err != nil {
			log.Println("read packet:", err)
			break
		}
		frame++

		pkt := gopacket.NewPacket(raw, layers.LinkTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		ipLayer := pkt.Layer(layers.LayerTypeIPv4)
		var srcIP, dstIP []byte
		if ipLayer != nil {
			ip4 := ipLayer.(*layers.IPv4)
			srcIP, dstIP = ip4.SrcIP, ip4.DstIP
		} else if ip6Layer := pkt.Layer(layers.LayerTypeIPv6); ip6Layer != nil {
			ip6 := ip6Layer.(*layers.IPv6)
			srcIP, dstIP = ip6.SrcIP, ip6.DstIP
		} else {
			continue // not an IP packet; out of scope (spec §1 non-goal)
		}

		tcpLayer := pkt.Layer(layers.LayerTypeTCP)
		if tcpLayer == nil {
			continue
		}
		tcpBytes := make([]byte, 0, len(tcpLayer.LayerContents())+len(tcpLayer.LayerPayload()))
		tcpBytes = append(tcpBytes, tcpLayer.LayerContents()...)
		tcpBytes = append(tcpBytes, tcpLayer.LayerPayload()...)

		meta := segment.Meta{
			SrcIP:     srcIP,
			DstIP:     dstIP,
			Timestamp: segment.UnixNano(ci.Timestamp.UnixNano()),
			Frame:     frame,
		}

		out, err := e.ProcessSegment(tcpBytes, meta)
		if err != nil {
			log.Println("frame", frame, "decode error:", err)
			continue
		}
		summary.segments++
		summary.pdus += len(out.PDUs)
		if out.IsNewConv {
			summary.conversations++
		}
		if !*quiet {
			fmt.Printf("%6d  %s\n", frame, out.InfoLine())
		}
	}

	return summary, nil
}
