/*

Executable mailbox_init can be used to quickly set up a certificate
authority, usable peer certificates, and a cluster definition for a
mailbox cluster.

This executable does not do anything necessary to run a cluster, other
than provide a convenient method for creating a local CA and the certs
and cluster.yaml to go with them. If you already have those, you don't
need this. But this is convenient to get started with.

*/
package main

import (
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kyawmyohlaing/mailbox"
	"github.com/kyawmyohlaing/mailbox/certs"
	"github.com/kyawmyohlaing/mailbox/cluster"
)

const (
	caKeyFile   = "mailbox_ca.key"
	caCertFile  = "mailbox_ca.crt"
	nodeKeyFile = "mailbox_node.%s.key"
	nodeCrtFile = "mailbox_node.%s.crt"
	clusterFile = "cluster.yaml"
)

var (
	numberOfNodes int
	organization  string
	days          int
	directory     string
	host          string
	basePort      int
)

var rootCmd = &cobra.Command{
	Use:   "mailbox_init",
	Short: "Create the CA, peer certificates and cluster.yaml for a mailbox cluster",
	Long: `mailbox_init assists with getting mailbox clusters up and running by
creating the initial TLS CA, the peer certificates, and a cluster
definition that uses them.

This program will create the following files:

 * mailbox_ca.key and mailbox_ca.crt: The certificate authority used by
   the cluster connections.
 * mailbox_node.<peer>.key and mailbox_node.<peer>.crt: The certificate
   for the given peer.
 * cluster.yaml: The cluster definition, listing every peer.

If these files already exist, this program will use them, so you can
create additional peers by re-running this program with a higher node
count. To create an entirely new set of certificates, first clear those
files out of the way, then run this program.

Note the certificates are not special in any way. The cluster will
function with any certs signed by a CA that you can pass through the
standard TLS negotiation, as long as each carries its peer ID as both the
common name and a DNS name.`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         runInit,
}

func init() {
	flags := rootCmd.Flags()
	flags.IntVar(&numberOfNodes, "nodes", 2, "number of peers the cluster should have")
	flags.StringVar(&organization, "organization", "mailbox_user", "the organization to set on the certificates")
	flags.IntVar(&days, "days", 365, "the number of days the certs are valid for")
	flags.StringVar(&directory, "dir", "", "the directory to use for the files (default current dir)")
	flags.StringVar(&host, "host", "127.0.0.1", "the host new peers listen on")
	flags.IntVar(&basePort, "base-port", 29870, "the port of the first peer; each new peer takes the next one")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runInit(cmd *cobra.Command, args []string) error {
	if numberOfNodes < 1 {
		return fmt.Errorf("illegal number of nodes (must be at least 1): %d", numberOfNodes)
	}

	valid := time.Duration(days) * time.Hour * 24

	ca, err := loadOrCreateAuthority(valid)
	if err != nil {
		return err
	}

	spec, err := loadOrCreateSpec()
	if err != nil {
		return err
	}

	for i := len(spec.Nodes); i < numberOfNodes; i++ {
		peer := mailbox.NewPeerID()
		if err := issueNode(ca, peer); err != nil {
			return fmt.Errorf("could not create cert for peer %s: %w", peer, err)
		}
		spec.Nodes = append(spec.Nodes, &cluster.NodeDefinition{
			ID:      peer.String(),
			Address: net.JoinHostPort(host, strconv.Itoa(basePort+i)),
		})
		fmt.Println("Constructed certificate for peer", peer)
	}

	out, err := yaml.Marshal(spec)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(directory, clusterFile), out, 0o644); err != nil {
		return fmt.Errorf("could not write %s: %w", clusterFile, err)
	}
	fmt.Printf("Wrote %s with %d peers\n", clusterFile, len(spec.Nodes))
	return nil
}

func loadOrCreateAuthority(valid time.Duration) (*certs.Authority, error) {
	keyPath := filepath.Join(directory, caKeyFile)
	crtPath := filepath.Join(directory, caCertFile)

	keyExists := exists(keyPath)
	crtExists := exists(crtPath)

	switch {
	case keyExists && !crtExists:
		return nil, fmt.Errorf("the %s file exists, but not the %s; confused and exiting", caKeyFile, caCertFile)
	case crtExists && !keyExists:
		return nil, fmt.Errorf("the %s file exists, but not the %s; confused and exiting", caCertFile, caKeyFile)
	case keyExists:
		cert, err := certs.ReadCert(crtPath)
		if err != nil {
			return nil, fmt.Errorf("couldn't load signing cert: %w", err)
		}
		key, err := certs.ReadKey(keyPath)
		if err != nil {
			return nil, fmt.Errorf("couldn't load signing cert key: %w", err)
		}
		return &certs.Authority{
			Cert:          cert,
			Key:           key,
			Organization:  organization,
			ValidDuration: valid,
		}, nil
	}

	ca, err := certs.NewAuthority(organization, valid)
	if err != nil {
		return nil, fmt.Errorf("could not create signing certificate: %w", err)
	}
	if err := certs.WriteKey(ca.Key, keyPath); err != nil {
		return nil, fmt.Errorf("could not write %s: %w", caKeyFile, err)
	}
	if err := certs.WriteCert(ca.Cert.Raw, crtPath); err != nil {
		return nil, fmt.Errorf("could not write %s: %w", caCertFile, err)
	}
	fmt.Println("Signing certificate created")
	return ca, nil
}

func loadOrCreateSpec() (*cluster.ClusterSpec, error) {
	path := filepath.Join(directory, clusterFile)

	spec := &cluster.ClusterSpec{
		NodeKeyPath:     filepath.Join(directory, nodeKeyFile),
		NodeCertPath:    filepath.Join(directory, nodeCrtFile),
		ClusterCertPath: filepath.Join(directory, caCertFile),
	}

	in, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return spec, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(in, spec); err != nil {
		return nil, fmt.Errorf("could not parse existing %s: %w", clusterFile, err)
	}
	return spec, nil
}

func issueNode(ca *certs.Authority, peer mailbox.PeerID) error {
	certPEM, keyPEM, err := ca.Issue(peer.String(), host)
	if err != nil {
		return err
	}

	certPath := filepath.Join(directory, fmt.Sprintf(nodeCrtFile, peer))
	keyPath := filepath.Join(directory, fmt.Sprintf(nodeKeyFile, peer))
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return err
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return err
	}

	// Validate it is signed and constructed correctly
	nodeCert, err := certs.DecodeCert(certPEM)
	if err != nil {
		return fmt.Errorf("invalid cert generated: %w", err)
	}
	_, err = nodeCert.Verify(x509.VerifyOptions{
		DNSName:   peer.String(),
		Roots:     ca.Pool(),
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	})
	if err != nil {
		return fmt.Errorf("unverifiable certificate generated: %w", err)
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}
