package cluster

// This file packages up all the bits that relate to defining a cluster.

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/kyawmyohlaing/mailbox"
	"github.com/kyawmyohlaing/mailbox/certs"
)

// ErrPeerNotDefined is returned when the peer claimed to be the local
// peer is not in the cluster definition.
var ErrPeerNotDefined = errors.New("the peer claimed to be the local peer is not defined")

// ErrInvalidSpec wraps every problem found in a ClusterSpec.
var ErrInvalidSpec = errors.New("invalid cluster specification")

// cipherToID lets people specify the permitted ciphers with the usual TLS
// names in their configuration. Only the suites crypto/tls considers
// secure are accepted.
var cipherToID = func() map[string]uint16 {
	m := make(map[string]uint16)
	for _, cs := range tls.CipherSuites() {
		m[cs.Name] = cs.ID
	}
	return m
}()

// defaultPermittedProtocols are the default TLS 1.2 cipher suites. TLS
// 1.3, when negotiated, picks from its own fixed list. By default, we're
// as restrictive and secure as possible.
var defaultPermittedProtocols = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
}

// A NodeDefinition gives information about the peer in question.
//
// The Address is the IP address and port (separated by colon) that the
// other peers will use to talk to this peer. This and the ID are the only
// required fields.
//
// The ListenAddress is what the peer will actually bind to. If this is
// the same as the address, you may leave it unspecified. This is for
// cases where due to network routing, load balancers, proxies, etc. the
// address the rest of the cluster uses to connect is not the same as the
// internal bind address. In simple cases, leave this blank.
//
// The LocalAddress is the address to use for the outgoing connections to
// the cluster. If blank, the system picks. In simple cases, leave this
// blank.
type NodeDefinition struct {
	ID            string `json:"id" yaml:"id" mapstructure:"id"`
	Address       string `json:"address" yaml:"address" mapstructure:"address"`
	ListenAddress string `json:"listen_address,omitempty" yaml:"listen_address,omitempty" mapstructure:"listen_address"`
	LocalAddress  string `json:"local_address,omitempty" yaml:"local_address,omitempty" mapstructure:"local_address"`

	peer       mailbox.PeerID
	ipaddr     *net.TCPAddr
	listenaddr *net.TCPAddr
	localaddr  *net.TCPAddr
}

// Peer returns the parsed peer ID. It is only valid on definitions that
// have been through CreateFromSpec.
func (nd *NodeDefinition) Peer() mailbox.PeerID {
	return nd.peer
}

// ClusterSpec defines how to create a cluster. It is read from JSON or
// YAML by CreateFromFile, or built directly and passed to CreateFromSpec.
type ClusterSpec struct {
	Nodes []*NodeDefinition `json:"nodes" yaml:"nodes" mapstructure:"nodes"`

	PermittedProtocols []string `json:"permitted_protocols,omitempty" yaml:"permitted_protocols,omitempty" mapstructure:"permitted_protocols"`

	// To specify the peer's cert, set either both of NodeKeyPath and
	// NodeCertPath to load from disk, or NodeKeyPEM and NodeCertPEM to
	// load the certs from some other source.
	//
	// The paths may use %s as a placeholder, to fill in the peer ID.
	NodeKeyPath  string `json:"node_key_path,omitempty" yaml:"node_key_path,omitempty" mapstructure:"node_key_path"`
	NodeCertPath string `json:"node_cert_path,omitempty" yaml:"node_cert_path,omitempty" mapstructure:"node_cert_path"`
	NodeKeyPEM   string `json:"node_key_pem,omitempty" yaml:"node_key_pem,omitempty" mapstructure:"node_key_pem"`
	NodeCertPEM  string `json:"node_cert_pem,omitempty" yaml:"node_cert_pem,omitempty" mapstructure:"node_cert_pem"`

	// And to specify the cluster's CA cert, set either ClusterCertPath
	// to load it from disk, or ClusterCertPEM to load it from source.
	//
	// Note you SHOULD NOT distribute the cluster's private key to the
	// peers.
	ClusterCertPath string `json:"cluster_cert_path,omitempty" yaml:"cluster_cert_path,omitempty" mapstructure:"cluster_cert_path"`
	ClusterCertPEM  string `json:"cluster_cert_pem,omitempty" yaml:"cluster_cert_pem,omitempty" mapstructure:"cluster_cert_pem"`
}

// A Cluster is a validated ClusterSpec, as seen from one of its peers.
type Cluster struct {
	Nodes map[mailbox.PeerID]*NodeDefinition

	ThisNode *NodeDefinition

	// The cipher suites permitted for TLS 1.2.
	PermittedProtocols []uint16

	// The CertPool containing the cluster's CA certificate.
	RootCAs *x509.CertPool

	// This peer's certificate.
	Certificate tls.Certificate
}

func (c *Cluster) tlsConfig(serverPeer mailbox.PeerID) *tls.Config {
	return &tls.Config{
		RootCAs:                c.RootCAs,
		ClientCAs:              c.RootCAs,
		ClientAuth:             tls.RequireAndVerifyClientCert,
		Certificates:           []tls.Certificate{c.Certificate},
		CipherSuites:           c.PermittedProtocols,
		SessionTicketsDisabled: true,
		MinVersion:             tls.VersionTLS12,
		ServerName:             serverPeer.String(),
	}
}

// LoadSpec reads a ClusterSpec from a JSON or YAML file, chosen by its
// extension.
func LoadSpec(path string) (*ClusterSpec, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var spec ClusterSpec
	if err := v.Unmarshal(&spec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	return &spec, nil
}

// CreateFromFile loads the cluster specification at path and creates the
// transport for the peer self. See CreateFromSpec.
func CreateFromFile(path string, self mailbox.PeerID, log mailbox.Logger) (*Transport, error) {
	spec, err := LoadSpec(path)
	if err != nil {
		return nil, err
	}
	return CreateFromSpec(spec, self, log)
}

// CreateFromSpec validates spec and creates the transport for the peer
// self. Once created, the transport still needs to be served.
//
// nil may be passed as the Logger, in which case the standard log.Print
// will be used.
func CreateFromSpec(spec *ClusterSpec, self mailbox.PeerID, log mailbox.Logger) (*Transport, error) {
	if log == nil {
		log = mailbox.StdLogger
	}

	cluster, err := resolveSpec(spec, self, log)
	if err != nil {
		return nil, err
	}

	return newTransport(cluster, log), nil
}

// This ugly lil' wad of code takes in the cluster specification and returns
// the actual cluster. Error handling code is so droll, isn't it?
func resolveSpec(spec *ClusterSpec, self mailbox.PeerID, log mailbox.Logger) (*Cluster, error) {
	var errs []string

	if len(spec.Nodes) == 0 {
		errs = append(errs, "no nodes specified in cluster definition")
	}

	nodes := make(map[mailbox.PeerID]*NodeDefinition, len(spec.Nodes))

	log.Info("beginning DNS resolution (if you don't see DNS resolution completed, suspect DNS issues)")
	for _, nodeDef := range spec.Nodes {
		peer, err := mailbox.ParsePeerID(nodeDef.ID)
		if err != nil || peer.IsZero() {
			errs = append(errs, fmt.Sprintf("node %q has an invalid id", nodeDef.ID))
			continue
		}
		if _, dup := nodes[peer]; dup {
			errs = append(errs, fmt.Sprintf("node %s is defined twice", peer))
			continue
		}
		nodeDef.peer = peer
		nodes[peer] = nodeDef

		log.Info("about to try to resolve: %s", nodeDef.Address)
		if nodeDef.Address == "" {
			errs = append(errs, fmt.Sprintf("node %s has empty or missing address", peer))
		} else {
			addr, err := net.ResolveTCPAddr("tcp", nodeDef.Address)
			if err != nil {
				errs = append(errs, fmt.Sprintf("node %s has invalid address: %s", peer, err))
			} else {
				nodeDef.ipaddr = addr
				if nodeDef.ListenAddress == "" {
					nodeDef.ListenAddress = nodeDef.Address
				}
			}
		}
		if nodeDef.ListenAddress != "" {
			addr, err := net.ResolveTCPAddr("tcp", nodeDef.ListenAddress)
			if err != nil {
				errs = append(errs, fmt.Sprintf("node %s has invalid listen address: %s", peer, err))
			} else {
				nodeDef.listenaddr = addr
			}
		}
		if nodeDef.LocalAddress != "" {
			addr, err := net.ResolveTCPAddr("tcp", nodeDef.LocalAddress)
			if err != nil {
				errs = append(errs, fmt.Sprintf("node %s has invalid local address: %s", peer, err))
			} else {
				nodeDef.localaddr = addr
			}
		}
	}
	log.Info("DNS resolution completed")

	cluster := &Cluster{
		Nodes:              nodes,
		PermittedProtocols: defaultPermittedProtocols,
	}

	if spec.PermittedProtocols != nil {
		cluster.PermittedProtocols = nil
		for _, proto := range spec.PermittedProtocols {
			cipherID, exists := cipherToID[proto]
			if exists {
				cluster.PermittedProtocols = append(cluster.PermittedProtocols, cipherID)
			} else {
				errs = append(errs, fmt.Sprintf("illegal cipher: %s", proto))
			}
		}
	}

	var cert tls.Certificate
	var err error
	switch {
	case spec.NodeKeyPath != "" && spec.NodeCertPath != "":
		cert, err = tls.LoadX509KeyPair(
			resolvePeer(spec.NodeCertPath, self),
			resolvePeer(spec.NodeKeyPath, self),
		)
		if err != nil {
			errs = append(errs, "error from loading the node cert from the disk: "+err.Error())
		}
	case spec.NodeKeyPEM != "" && spec.NodeCertPEM != "":
		cert, err = tls.X509KeyPair([]byte(spec.NodeCertPEM), []byte(spec.NodeKeyPEM))
		if err != nil {
			errs = append(errs, "error loading the node cert from PEMs: "+err.Error())
		}
	default:
		// Don't care about certs if there's only one node.
		if len(spec.Nodes) > 1 {
			errs = append(errs, "no valid certificate for this node found")
		}
	}
	cluster.Certificate = cert

	// Validate the cert's peer is the common name for the cert
	if len(cert.Certificate) > 0 {
		x509Cert, cErr := x509.ParseCertificate(cert.Certificate[0])
		if cErr != nil {
			errs = append(errs, cErr.Error())
		} else if x509Cert.Subject.CommonName != self.String() {
			errs = append(errs, fmt.Sprintf("the current peer id (%s) does not match the certificate's common name (%s)",
				self, x509Cert.Subject.CommonName))
		}
	}

	var clusterCertPEM []byte
	if spec.ClusterCertPath != "" {
		certFile, cErr := os.ReadFile(spec.ClusterCertPath)
		if cErr != nil {
			errs = append(errs, "error from loading the cluster cert from disk: "+cErr.Error())
		}
		clusterCertPEM = certFile
	} else if spec.ClusterCertPEM != "" {
		clusterCertPEM = []byte(spec.ClusterCertPEM)
	}
	if clusterCertPEM != nil {
		clusterCert, cErr := certs.DecodeCert(clusterCertPEM)
		if cErr != nil {
			errs = append(errs, "cluster cert not valid: "+cErr.Error())
		} else {
			cluster.RootCAs = x509.NewCertPool()
			cluster.RootCAs.AddCert(clusterCert)
		}
	} else if len(spec.Nodes) > 1 {
		// one node won't connect to anything else.
		errs = append(errs, "no cluster certificate for this cluster found")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w; the following errors occurred in the cluster's specification:\n * %s",
			ErrInvalidSpec, strings.Join(errs, "\n * "))
	}

	thisNode, exists := nodes[self]
	if !exists {
		return nil, ErrPeerNotDefined
	}
	cluster.ThisNode = thisNode

	return cluster, nil
}

func resolvePeer(path string, peer mailbox.PeerID) string {
	return strings.ReplaceAll(path, "%s", peer.String())
}
