package dicomwire

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"
)

type acceptAllPolicy struct {
	transferSyntax string
}

func (p acceptAllPolicy) Accept(req AssociationRequest) (accepted []string, ok bool, rejectReason string) {
	accepted = make([]string, len(req.TransferSyntaxes))
	for i, ts := range req.TransferSyntaxes {
		if ts == p.transferSyntax {
			accepted[i] = ts
		}
	}
	return accepted, true, ""
}

func TestAssociation_CStoreRoundTrip(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	const transferSyntax = "1.2.840.10008.1.2.1"
	payload := []byte("opaque object bytes, preamble and dataset alike")

	serverDone := make(chan *IncomingCStore, 1)
	serverErr := make(chan error, 1)
	go func() {
		assoc, err := AcceptAssociation(context.Background(), serverConn, acceptAllPolicy{transferSyntax: transferSyntax})
		if err != nil {
			serverErr <- err
			return
		}
		req, err := assoc.NextRequest()
		if err != nil {
			serverErr <- err
			return
		}
		data, err := io.ReadAll(req.Data)
		if err != nil {
			serverErr <- err
			return
		}
		if !bytes.Equal(data, payload) {
			serverErr <- io.ErrShortWrite
			return
		}
		if err := req.Respond(StatusCodeSuccess, ""); err != nil {
			serverErr <- err
			return
		}
		serverDone <- req
	}()

	clientAssoc, err := negotiateAsClient(clientConn, "FWD", "RCV", "1.2.840.10008.5.1.4.1.1.7", transferSyntax)
	if err != nil {
		t.Fatalf("negotiateAsClient: %v", err)
	}

	header := CStoreHeader{
		SOPClassUID:    "1.2.840.10008.5.1.4.1.1.7",
		SOPInstanceUID: "1.2.3.4.5",
		ByteLength:     int64(len(payload)),
	}
	resp, err := clientAssoc.SendCStore(header, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("SendCStore: %v", err)
	}
	if resp.Status != StatusCodeSuccess {
		t.Fatalf("resp.Status = %#x, want success", resp.Status)
	}

	select {
	case req := <-serverDone:
		_ = req
	case err := <-serverErr:
		t.Fatalf("server goroutine error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server goroutine")
	}
}

func TestAssociation_RejectedPresentationContext(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	go func() {
		_, _ = AcceptAssociation(context.Background(), serverConn, acceptAllPolicy{transferSyntax: "unsupported-transfer-syntax"})
	}()

	_, err := negotiateAsClient(clientConn, "FWD", "RCV", "1.2.840.10008.5.1.4.1.1.7", "1.2.840.10008.1.2.1")
	if err == nil {
		t.Fatal("expected presentation context rejection error")
	}
	if _, ok := err.(*PresentationContextRejectedError); !ok {
		t.Fatalf("err = %v (%T), want *PresentationContextRejectedError", err, err)
	}
}

func TestAssociation_CEcho(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	const transferSyntax = "1.2.840.10008.1.2.1"
	go func() {
		assoc, err := AcceptAssociation(context.Background(), serverConn, acceptAllPolicy{transferSyntax: transferSyntax})
		if err != nil {
			return
		}
		assoc.NextRequest()
	}()

	clientAssoc, err := negotiateAsClient(clientConn, "FWD", "RCV", "1.2.840.10008.1.1", transferSyntax)
	if err != nil {
		t.Fatalf("negotiateAsClient: %v", err)
	}
	status, err := clientAssoc.SendCEcho()
	if err != nil {
		t.Fatalf("SendCEcho: %v", err)
	}
	if status != StatusCodeSuccess {
		t.Fatalf("status = %#x, want success", status)
	}
}
