// Tool gokr-rsync is a Go implementation of the rsync client and server,
// compatible with the rsync wire protocol.
package main

import (
	"context"
	"log"
	"os"

	"github.com/relaysync/rsync/internal/maincmd"
)

func main() {
	if _, err := maincmd.Main(context.Background(), os.Args, os.Stdin, os.Stdout, os.Stderr, nil); err != nil {
		log.Fatal(err)
	}
}
