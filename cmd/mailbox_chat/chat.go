/*

Executable mailbox_chat contains a simple demonstration of using the
mailbox library to run a cluster of peers.

This implements a klunky, lowest-common-denominator terminal chat program
between the peers of a cluster. Run mailbox_init first; the default
configuration it writes runs two peers on localhost. Then start one
mailbox_chat per peer, passing the peer's position in cluster.yaml (1, 2,
...) or its peer ID.

Each peer announces its chat mailbox's Address to every peer it connects
to, and sends each line typed to every Address it has heard about.

The optional --config file holds the mailbox settings (workers, log_level,
log_format). It is watched, and log_level changes apply immediately.

Note that once the peers are running, it may take a moment for them to
connect as they pass through the backoff algorithm.

*/
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/thejerf/suture/v4"

	"github.com/kyawmyohlaing/mailbox"
	"github.com/kyawmyohlaing/mailbox/cluster"
)

var (
	clusterPath string
	configPath  string
)

var rootCmd = &cobra.Command{
	Use:          "mailbox_chat <peer>",
	Short:        "Chat between the peers of a mailbox cluster",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE:         runChat,
}

func init() {
	rootCmd.Flags().StringVar(&clusterPath, "cluster", "cluster.yaml", "the cluster definition written by mailbox_init")
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "mailbox settings file, watched for changes")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// A Message is a message the user typed in.
type Message struct {
	From string
	Text string
}

// directory remembers the chat Address each peer announced.
type directory struct {
	mu    sync.Mutex
	peers map[mailbox.PeerID]mailbox.Address
}

// HandleMessage receives the announcements sent on mailbox.TagUser.
func (d *directory) HandleMessage(ctx context.Context, source mailbox.PeerID, r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	var addr mailbox.Address
	if err := addr.UnmarshalBinary(b); err != nil {
		return err
	}
	if addr.IsNil() || addr.Peer() != source {
		return fmt.Errorf("%s announced an address that is not its own: %s", source, addr)
	}

	d.mu.Lock()
	d.peers[source] = addr
	d.mu.Unlock()
	return nil
}

func (d *directory) forget(peer mailbox.PeerID) {
	d.mu.Lock()
	delete(d.peers, peer)
	d.mu.Unlock()
}

func (d *directory) addresses() []mailbox.Address {
	d.mu.Lock()
	defer d.mu.Unlock()
	addrs := make([]mailbox.Address, 0, len(d.peers))
	for _, addr := range d.peers {
		addrs = append(addrs, addr)
	}
	return addrs
}

func loadConfig() (*mailbox.Config, *viper.Viper, error) {
	v := viper.New()
	mailbox.SetDefaults(v)
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, err
		}
	}
	cfg, err := mailbox.LoadConfig(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

func resolveSelf(spec *cluster.ClusterSpec, arg string) (mailbox.PeerID, error) {
	if i, err := strconv.Atoi(arg); err == nil {
		if i < 1 || i > len(spec.Nodes) {
			return mailbox.PeerID{}, fmt.Errorf("there is no peer %d in %s", i, clusterPath)
		}
		arg = spec.Nodes[i-1].ID
	}
	return mailbox.ParsePeerID(arg)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, v, err := loadConfig()
	if err != nil {
		return fmt.Errorf("couldn't load settings: %w", err)
	}
	logger := cfg.Logger(os.Stderr)

	if configPath != "" {
		v.OnConfigChange(func(e fsnotify.Event) {
			if err := cfg.Reload(v); err != nil {
				logger.Warn("ignoring changed settings in %s: %s", e.Name, err)
				return
			}
			logger.Info("settings reloaded from %s", e.Name)
		})
		v.WatchConfig()
	}

	spec, err := cluster.LoadSpec(clusterPath)
	if err != nil {
		return fmt.Errorf("couldn't load %s (did you run 'mailbox_init'?): %w", clusterPath, err)
	}
	self, err := resolveSelf(spec, args[0])
	if err != nil {
		return err
	}

	transport, err := cluster.CreateFromSpec(spec, self, logger)
	if err != nil {
		return fmt.Errorf("couldn't start cluster properly: %w", err)
	}
	manager, err := mailbox.NewManager(transport, mailbox.WithConfig(cfg), mailbox.WithLogger(logger))
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	dir := &directory{peers: make(map[mailbox.PeerID]mailbox.Address)}
	if err := transport.Register(mailbox.TagUser, dir); err != nil {
		return err
	}

	chat := mailbox.New(ctx, manager, func(ctx context.Context, msg Message) {
		fmt.Printf("\n%s: %s", msg.From, msg.Text)
	})
	defer chat.Close(context.Background())

	announcement, err := chat.Address().MarshalBinary()
	if err != nil {
		return err
	}
	transport.AddConnectionStatusCallback(func(peer mailbox.PeerID, up bool) {
		if !up {
			dir.forget(peer)
			return
		}
		transport.SendBytes(ctx, peer, mailbox.TagUser, announcement)
	})

	// The transport and the manager are both suture services, so they
	// run under one supervisor here.
	root := suture.NewSimple("mailbox_chat")
	root.Add(transport)
	root.Add(manager)
	errs := root.ServeBackground(ctx)

	lines := make(chan string)
	go func() {
		defer close(lines)
		reader := bufio.NewReader(os.Stdin)
		for {
			text, err := reader.ReadString('\n')
			if err != nil {
				if !errors.Is(err, io.EOF) {
					fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
				}
				return
			}
			lines <- text
		}
	}()

	from := self.String()[:8]
	for {
		fmt.Printf("Chat message: ")
		select {
		case <-ctx.Done():
			fmt.Println("Bye!")
			return nil
		case err := <-errs:
			return err
		case text, ok := <-lines:
			if !ok {
				fmt.Println("Bye!")
				return nil
			}
			addrs := dir.addresses()
			if len(addrs) == 0 {
				fmt.Fprintln(os.Stderr, "Nobody is connected yet.")
				continue
			}
			for _, addr := range addrs {
				mailbox.Send(ctx, manager, addr, Message{From: from, Text: text})
			}
		}
	}
}
