// backup_cmd works on exported key backup bundles without a server.
//
//	backup_cmd inspect --file wallet-backup.json
//	backup_cmd decrypt --file wallet-backup.json [--show-secrets]
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
