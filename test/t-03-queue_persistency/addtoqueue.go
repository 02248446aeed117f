// addtoqueue is a test helper which adds an entry directly to the queue
// directory, behind kannader's back.
//
// Note that kannader does NOT support this, we do it before starting up the
// daemon for testing purposes only.
package main

import (
	"context"
	"flag"
	"fmt"
	"io/ioutil"
	"os"

	"kannader.org/kannader/internal/queue"
)

var (
	queueDir = flag.String("queue_dir", ".queue", "queue directory")
	from     = flag.String("from", "from", "Mail from")
	rcpt     = flag.String("rcpt", "rcpt", "Rcpt to")
)

func main() {
	flag.Parse()

	data, err := ioutil.ReadAll(os.Stdin)
	if err != nil {
		fmt.Printf("error reading data: %v\n", err)
		os.Exit(1)
	}

	// The queue's Put doesn't touch its policy pool or relay until an
	// entry is actually dispatched, so this helper can leave both nil:
	// it only needs the on-disk write, run before the daemon starts up.
	q, err := queue.New(*queueDir, nil, nil)
	if err != nil {
		fmt.Printf("error opening queue dir: %v\n", err)
		os.Exit(1)
	}

	_, err = q.Put(context.Background(), *from, []string{*rcpt}, [][]byte{nil}, data)
	if err != nil {
		fmt.Printf("error writing entry: %v\n", err)
		os.Exit(1)
	}
}
