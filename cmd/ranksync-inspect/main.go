// Command ranksync-inspect prints the live state of an invocation's
// rendezvous resources, for finding which semaphore stuck ranks are
// parked on. With -cleanup it unlinks the invocation's resources
// instead; give -ranks as well to unlink the dataset slots.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/ranklab/ranksync/pkg/barrier"
	"github.com/ranklab/ranksync/pkg/dataset"
)

func main() {
	id := flag.Int("id", 0, "invocation id")
	ranks := flag.Int("ranks", 0, "rank count of the invocation, for -cleanup of dataset slots")
	cleanup := flag.Bool("cleanup", false, "unlink the invocation's resources instead of inspecting")
	flag.Parse()

	var err error
	if *cleanup {
		err = runCleanup(*id, *ranks)
	} else {
		err = runInspect(*id)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runInspect(id int) error {
	st, err := barrier.Inspect(id)
	if err != nil {
		return err
	}
	fmt.Printf("invocation %d\n", st.InvocationID)
	fmt.Printf("  mutex       value=%d waiters=%d\n", st.Mutex.Value, st.Mutex.Waiters)
	fmt.Printf("  turnstile1  value=%d waiters=%d\n", st.Turnstile1.Value, st.Turnstile1.Waiters)
	fmt.Printf("  turnstile2  value=%d waiters=%d\n", st.Turnstile2.Value, st.Turnstile2.Waiters)
	fmt.Printf("  arrived     %d\n", st.Arrived)
	return nil
}

func runCleanup(id, ranks int) error {
	if err := barrier.Cleanup(id); err != nil {
		return err
	}
	if ranks > 0 {
		if err := dataset.Cleanup(ranks, id); err != nil {
			return err
		}
	}
	fmt.Printf("invocation %d cleaned\n", id)
	return nil
}
