package fabric

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hyperledger/fabric-gateway/pkg/client"
	"github.com/hyperledger/fabric-gateway/pkg/identity"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/simaogato/tokenwallet-backend/internal/domain"
	"github.com/simaogato/tokenwallet-backend/internal/ledger"
)

// Dial opens the gRPC connection to the gateway peer. The connection is
// shared by every session; gateways opened on it are per identity.
func Dial(cfg ledger.Config) (*grpc.ClientConn, error) {
	creds := insecure.NewCredentials()
	if cfg.TLSCertPath != "" {
		pem, err := os.ReadFile(filepath.Clean(cfg.TLSCertPath))
		if err != nil {
			return nil, fmt.Errorf("failed to read tls certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.TLSCertPath)
		}
		creds = credentials.NewClientTLSFromCert(pool, cfg.ServerNameOverride)
	}

	conn, err := grpc.NewClient(cfg.Endpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway connection: %w", err)
	}
	return conn, nil
}

// Connector opens fabric gateway sessions for enrolled identities.
type Connector struct {
	conn grpc.ClientConnInterface
	cfg  ledger.Config
	keys KeyStore
}

func NewConnector(conn grpc.ClientConnInterface, cfg ledger.Config, keys KeyStore) *Connector {
	return &Connector{conn: conn, cfg: cfg, keys: keys}
}

// Connect implements ledger.Connector.
func (c *Connector) Connect(ctx context.Context, id *domain.LedgerIdentity) (ledger.Session, error) {
	signer, sign, err := c.credentials(id)
	if err != nil {
		return nil, err
	}

	gw, err := client.Connect(signer,
		client.WithSign(sign),
		client.WithClientConnection(c.conn),
		client.WithEvaluateTimeout(c.cfg.Timeout),
		client.WithEndorseTimeout(c.cfg.Timeout),
		client.WithSubmitTimeout(c.cfg.Timeout),
		client.WithCommitStatusTimeout(c.cfg.Timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to gateway: %w", err)
	}

	contract := gw.GetNetwork(c.cfg.ChannelName).GetContract(c.cfg.ContractName)
	return &session{gateway: gw, contract: contract}, nil
}

func (c *Connector) credentials(id *domain.LedgerIdentity) (*identity.X509Identity, identity.Sign, error) {
	cert, err := identity.CertificateFromPEM(id.Certificate)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: certificate for %s: %v", domain.ErrIdentityUnavailable, id.UserID, err)
	}
	signer, err := identity.NewX509Identity(id.MSPID, cert)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: identity for %s: %v", domain.ErrIdentityUnavailable, id.UserID, err)
	}

	keyPEM, err := c.keys.PrivateKey(id.PrivateKeyRef)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrIdentityUnavailable, err)
	}
	key, err := identity.PrivateKeyFromPEM(keyPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: private key for %s: %v", domain.ErrIdentityUnavailable, id.UserID, err)
	}
	sign, err := identity.NewPrivateKeySign(key)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: signer for %s: %v", domain.ErrIdentityUnavailable, id.UserID, err)
	}
	return signer, sign, nil
}

type session struct {
	gateway  *client.Gateway
	contract *client.Contract
}

func (s *session) Close() error {
	return s.gateway.Close()
}

// Submit runs the endorse, submit and commit-status steps separately so a
// failure can be attributed to the step that produced it.
func (s *session) Submit(ctx context.Context, name string, args ...string) (*domain.LedgerReceipt, error) {
	proposal, err := s.contract.NewProposal(name, client.WithArguments(args...))
	if err != nil {
		return nil, fmt.Errorf("%w: build proposal: %v", domain.ErrLedgerRejected, err)
	}
	txID := proposal.TransactionID()

	transaction, err := proposal.EndorseWithContext(ctx)
	if err != nil {
		return nil, classifyEndorse(txID, err)
	}

	commit, err := transaction.SubmitWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: submit %s: %v", domain.ErrLedgerTimeout, txID, err)
	}

	result, err := commit.StatusWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: commit status %s: %v", domain.ErrLedgerTimeout, txID, err)
	}
	if !result.Successful {
		return nil, fmt.Errorf("%w: transaction %s invalidated with code %d (%s)",
			domain.ErrLedgerRejected, txID, int32(result.Code), result.Code)
	}

	return &domain.LedgerReceipt{TransactionID: txID, Payload: transaction.Result()}, nil
}

func (s *session) Evaluate(ctx context.Context, name string, args ...string) ([]byte, error) {
	proposal, err := s.contract.NewProposal(name, client.WithArguments(args...))
	if err != nil {
		return nil, fmt.Errorf("%w: build proposal: %v", domain.ErrLedgerRejected, err)
	}
	result, err := proposal.EvaluateWithContext(ctx)
	if err != nil {
		if isTransient(err) {
			return nil, fmt.Errorf("%w: evaluate %s: %v", domain.ErrLedgerUnavailable, name, err)
		}
		return nil, fmt.Errorf("%w: evaluate %s: %v", domain.ErrLedgerRejected, name, err)
	}
	return result, nil
}

// classifyEndorse maps an endorsement failure. Nothing has reached the
// orderer at this point, so the transaction is never committed: transport
// failures mean the ledger was unreachable, anything else is a rejection.
func classifyEndorse(txID string, err error) error {
	var endorseErr *client.EndorseError
	if errors.As(err, &endorseErr) && !isTransient(err) {
		return fmt.Errorf("%w: endorse %s: %v", domain.ErrLedgerRejected, txID, err)
	}
	return fmt.Errorf("%w: endorse %s: %v", domain.ErrLedgerUnavailable, txID, err)
}

func isTransient(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled, codes.ResourceExhausted:
		return true
	default:
		return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	}
}
