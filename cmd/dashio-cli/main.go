package main

import (
	"flag"
	"os"

	"github.com/dashio-connect/dashio-go/helpers/cli"
	"github.com/dashio-connect/dashio-go/log2"
)

const usage = `syntax: one command per line
(main)
- connect HOST:PORT                     open TCP connection to device
- who                                   send identity query
- send DEVICE CTRL [ID [PAYLOAD [PAYLOAD2]]]
                                        encode and send message
- decode TEXT                           decode Go-escaped text, e.g. \tdev1\tWHO\n
- close                                 close connection

(meta)
- log=yes  enable debug logging
- log=no   disable debug logging
`

var log = log2.NewStderr(log2.LDebug)

func main() {
	cmdline := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	addr := cmdline.String("connect", "", "HOST:PORT to connect on start")
	_ = cmdline.Parse(os.Args[1:])

	log.SetFlags(log2.LInteractiveFlags)
	c := newConsole(log, os.Stdout)
	if *addr != "" {
		if err := c.exec("connect " + *addr); err != nil {
			log.Fatal(err)
		}
	}
	defer c.close()
	cli.MainLoop("dashio-cli", c.execLine, c.complete)
}
