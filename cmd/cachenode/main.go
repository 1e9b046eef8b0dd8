package main

import (
	"os"
	"strconv"

	"github.com/alecthomas/kong"
	"github.com/lab5e/cachefunk/pkg/funk"
	"github.com/lab5e/cachefunk/pkg/funk/bucket"
	"github.com/lab5e/cachefunk/pkg/funk/cache"
	gotoolbox "github.com/lab5e/gotoolbox/toolbox"
	log "github.com/sirupsen/logrus"
)

type parameters struct {
	Node funk.Parameters         `kong:"embed"`
	HTTP string                  `kong:"help='HTTP endpoint for the cache API, metrics and status',default='localhost:8080'"`
	Log  gotoolbox.LogParameters `kong:"embed,prefix='log-'"`
}

func main() {
	var config parameters
	k, err := kong.New(&config, kong.Name("cachenode"),
		kong.Description("Distributed cache node"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: false,
		}))
	if err != nil {
		panic(err)
	}
	if _, err := k.Parse(os.Args[1:]); err != nil {
		k.FatalIfErrorf(err)
		return
	}
	gotoolbox.InitLogs("cachenode", config.Log)

	node := funk.NewNode(config.Node, defaultExecutables())
	status := newStatusHub(node.Events())

	if err := node.Start(); err != nil {
		log.WithError(err).Error("Error starting cache node")
		os.Exit(2)
	}
	srv, err := launchHTTPServer(config.HTTP, node, status)
	if err != nil {
		log.WithError(err).Error("Unable to start HTTP server")
		node.Stop()
		os.Exit(2)
	}

	// Nothing blocks here so wait for an interrupt signal.
	gotoolbox.WaitForSignal()

	srv.Close()
	node.Stop()
}

// defaultExecutables are the executables every node knows about
func defaultExecutables() *cache.Executables {
	ret := cache.NewExecutables()
	ret.Register("count", func(entries []bucket.Entry) ([]byte, error) {
		return []byte(strconv.Itoa(len(entries))), nil
	})
	ret.RegisterFilter("nonempty", func(e bucket.Entry) bool {
		return len(e.Value) > 0
	})
	return ret
}
