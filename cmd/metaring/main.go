// Command metaring is a small demo client: it connects to a coordinator,
// issues a put (only when --value is given) and then a get against the
// same key, prints the results, and exits.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/jsp-lqk/metaring"
)

func main() {
	var (
		coordAddr   = pflag.StringP("coord", "c", "127.0.0.1:9000", "coordinator address")
		space       = pflag.StringP("space", "s", "", "space name")
		key         = pflag.StringP("key", "k", "", "key")
		value       = pflag.StringP("value", "v", "", "value to put before getting (empty: get only)")
		dialTimeout = pflag.Duration("dial-timeout", 5*time.Second, "dial timeout")
		verbose     = pflag.BoolP("verbose", "V", false, "enable debug logging")
	)
	pflag.Parse()

	if *space == "" || *key == "" {
		fmt.Fprintln(os.Stderr, "usage: metaring --space NAME --key KEY [--value VALUE] [--coord HOST:PORT]")
		os.Exit(2)
	}

	logger := zap.NewNop()
	if *verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			fmt.Fprintln(os.Stderr, "logger setup failed:", err)
			os.Exit(1)
		}
		logger = l
	}
	defer logger.Sync()

	client := metaring.New(*coordAddr, metaring.WithDialTimeout(*dialTimeout), metaring.WithLogger(logger))
	if s := client.Connect(); s != metaring.Success {
		fmt.Fprintln(os.Stderr, "connect failed:", s)
		os.Exit(1)
	}
	defer client.Shutdown()

	if *value != "" {
		var putStatus metaring.Status
		client.Put(*space, []byte(*key), [][]byte{[]byte(*value)}, func(s metaring.Status) {
			putStatus = s
		})
		if s := client.Flush(); s != metaring.Success {
			fmt.Fprintln(os.Stderr, "flush failed:", s)
			os.Exit(1)
		}
		fmt.Println("put:", putStatus)
	}

	var getStatus metaring.Status
	var values [][]byte
	client.Get(*space, []byte(*key), func(s metaring.Status, v [][]byte) {
		getStatus = s
		values = v
	})
	if s := client.Flush(); s != metaring.Success {
		fmt.Fprintln(os.Stderr, "flush failed:", s)
		os.Exit(1)
	}

	fmt.Println("get:", getStatus)
	for _, v := range values {
		fmt.Printf("  %s\n", v)
	}
}
