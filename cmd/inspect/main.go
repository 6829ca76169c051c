// Command inspect dumps raw keys from a suchak database for debugging.
// Run against a closed database only; pebble holds an exclusive lock.
package main

import (
	"flag"
	"fmt"
	"os"

	"suchak/pkg/store"
)

func main() {
	var dbPath, prefix string
	var values bool
	flag.StringVar(&dbPath, "db", "", "path to the pebble database")
	flag.StringVar(&prefix, "prefix", "", "key prefix to scan (empty scans conversations)")
	flag.BoolVar(&values, "values", false, "print values alongside keys")
	flag.Parse()
	if dbPath == "" {
		fmt.Fprintln(os.Stderr, "--db required")
		os.Exit(2)
	}

	st, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", dbPath, err)
		os.Exit(1)
	}
	defer func() { _ = st.Close() }()

	if prefix == "" {
		prefix = "conv:"
	}
	n := 0
	err = st.ScanPrefix(prefix, func(key string, val []byte) (bool, error) {
		if values {
			fmt.Printf("%s\t%s\n", key, val)
		} else {
			fmt.Println(key)
		}
		n++
		return true, nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "scan: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "%d keys\n", n)
}
