package seed

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lab5e/cachefunk/pkg/funk"
	"github.com/lab5e/cachefunk/pkg/toolbox"
	gotoolbox "github.com/lab5e/gotoolbox/toolbox"
	"github.com/sirupsen/logrus"
)

// Parameters is the configuration for a seed node
type Parameters struct {
	Name         string                  `kong:"help='Cluster name',default='cachefunk'"`
	ZeroConf     bool                    `kong:"help='ZeroConf lookups for cluster',default='true'"`
	NodeID       string                  `kong:"help='Node ID for seed node',default=''"`
	Serf         funk.SerfParameters     `kong:"embed,prefix='serf-'"`
	Log          gotoolbox.LogParameters `kong:"embed,prefix='log-'"`
	LiveView     bool                    `kong:"help='Display live view of nodes',default='false'"`
	ShowAllNodes bool                    `kong:"help='Show all nodes, not just nodes alive',default='false'"`
}

// Run is a ready-to run (just call it from main()) implementation of a seed
// node. The seed node is a Serf member with a well-known endpoint that the
// cache nodes can join. It never owns any buckets.
func Run() {
	var config Parameters
	k, err := kong.New(&config, kong.Name("cacheseed"),
		kong.Description("Seed node for cache clusters"),
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

	gotoolbox.InitLogs("seed", config.Log)
	if err := start(config); err != nil {
		logrus.WithError(err).Error("Unable to start seed node")
		os.Exit(2)
	}
}

func start(config Parameters) error {
	if config.NodeID == "" {
		config.NodeID = toolbox.RandomID()
	}
	config.Serf.Final()

	logrus.WithField("nodeId", config.NodeID).Info("Starting seed node")

	if config.ZeroConf {
		zr := toolbox.NewZeroconfRegistry(config.Name)
		port, err := toolbox.PortOfHostPort(config.Serf.Endpoint)
		if err != nil {
			return fmt.Errorf("invalid serf endpoint %q: %w", config.Serf.Endpoint, err)
		}
		if err := zr.Register(funk.ZeroconfSerfKind, config.NodeID, port); err != nil {
			return err
		}
		defer zr.Shutdown()
	}

	serfNode := funk.NewSerfNode()
	serfNode.SetTag(funk.SerfEndpoint, config.Serf.Endpoint)
	if err := serfNode.Start(config.NodeID, config.Serf); err != nil {
		return err
	}
	defer serfNode.Stop()

	if config.LiveView {
		for {
			clearScreen()
			dumpMembers(os.Stdout, config.Name, config.ShowAllNodes, serfNode.LoadMembers())
			spin()
		}
	}
	// Dump Serf events
	go func(evCh <-chan funk.NodeEvent) {
		for ev := range evCh {
			logrus.WithFields(logrus.Fields{
				"nodeId":    ev.Node.NodeID,
				"event":     ev.Event.String(),
				"state":     ev.Node.State,
				"transport": ev.Node.Tag(funk.TransportEndpoint),
			}).Debug("Serf event")
		}
	}(serfNode.Events())
	logrus.WithField("endpoint", config.Serf.Endpoint).Info("Seed node started")
	gotoolbox.WaitForSignal()
	return nil
}

// nodeKind is the kind of member based on the tags
func nodeKind(m funk.SerfMember) string {
	switch {
	case m.Tag(funk.TransportEndpoint) == "":
		return "seed"
	case m.Tag(funk.LeavingTag) != "":
		return "cache, leaving"
	default:
		return "cache"
	}
}

func dumpMembers(w io.Writer, clusterName string, showAllNodes bool, members []funk.SerfMember) {
	sort.Slice(members, func(i, j int) bool {
		return members[i].NodeID < members[j].NodeID
	})

	fmt.Fprintf(w, "Members of cluster '%s'\n", clusterName)
	fmt.Fprintf(w, "------------------------------------------------\n")

	for _, node := range members {
		if node.State != funk.SerfAlive && !showAllNodes {
			continue
		}
		fmt.Fprintf(w, "Node: %s (%s, %s)\n", node.NodeID, node.State, nodeKind(node))
		var tags []string
		for k := range node.Tags {
			tags = append(tags, k)
		}
		sort.Strings(tags)
		for i, name := range tags {
			ch := '|'
			if i == (len(tags) - 1) {
				ch = '\\'
			}
			fmt.Fprintf(w, "  %c- %s -> %s\n", ch, name, node.Tags[name])
		}
		fmt.Fprintln(w)
	}
}

func clearScreen() {
	fmt.Print("\033c")
}

func spin() {
	fmt.Println()
	for _, c := range `|/-\` {
		time.Sleep(1 * time.Second)
		fmt.Printf("%c\r", c)
	}
	time.Sleep(1 * time.Second)
}
