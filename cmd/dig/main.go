// Command dig is a thin driver over the resolver package: it parses a
// name and optional type off the command line, resolves it, and
// prints the decoded response struct. Not a pretty-printer, just
// enough to exercise the library end to end.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/dnsscience/iterdns/internal/config"
	"github.com/dnsscience/iterdns/internal/metrics"
	"github.com/dnsscience/iterdns/internal/wire"
	"github.com/dnsscience/iterdns/resolver"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	qtypeFlag  = flag.String("type", "A", "record type (A, AAAA, NS, CNAME, DNAME, SOA, MX, TXT, PTR, CAA, ANY)")
	configFlag = flag.String("config", "", "optional YAML config file")
	timeout    = flag.Duration("timeout", 30*time.Second, "overall deadline for the resolution")
)

var qtypes = map[string]wire.QType{
	"A":     wire.TypeA.ToQType(),
	"AAAA":  wire.TypeAAAA.ToQType(),
	"NS":    wire.TypeNS.ToQType(),
	"CNAME": wire.TypeCNAME.ToQType(),
	"DNAME": wire.TypeDNAME.ToQType(),
	"SOA":   wire.TypeSOA.ToQType(),
	"MX":    wire.TypeMX.ToQType(),
	"TXT":   wire.TypeTXT.ToQType(),
	"PTR":   wire.TypePTR.ToQType(),
	"CAA":   wire.TypeCAA.ToQType(),
	"ANY":   wire.QTypeANY,
}

func main() {
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: dig [-type A] [-config path.yaml] <name>")
		os.Exit(2)
	}
	name := flag.Arg(0)

	qtype, ok := qtypes[strings.ToUpper(*qtypeFlag)]
	if !ok {
		log.Fatalf("dig: unknown type %q", *qtypeFlag)
	}

	cfg := config.Default()
	if *configFlag != "" {
		var err error
		cfg, err = config.Load(*configFlag)
		if err != nil {
			log.Fatalf("dig: %v", err)
		}
	}

	m := metrics.New(prometheus.NewRegistry())
	r, err := resolver.New(cfg, m)
	if err != nil {
		log.Fatalf("dig: %v", err)
	}
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	resp, err := r.Resolve(ctx, name, qtype, wire.ClassIN.ToQClass())
	if err != nil {
		log.Fatalf("dig: resolve %s: %v", name, err)
	}
	fmt.Printf("%+v\n", resp)
}
