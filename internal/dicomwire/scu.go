package dicomwire

import (
	"bufio"
	"context"
	"fmt"
	"net"
)

// Dial opens a TCP connection to (host, port) and negotiates an
// association as the calling (client) side, proposing exactly one
// transfer syntax — the one the stored instance was encoded with — since
// the forwarder never transcodes (spec §4.5 "No re-encoding is
// performed").
func Dial(ctx context.Context, network, addr string, callingAE, calledAE, sopClassUID, transferSyntaxUID string) (*Association, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("ошибка установления TCP-соединения %s: %w", addr, err)
	}

	assoc, err := negotiateAsClient(conn, callingAE, calledAE, sopClassUID, transferSyntaxUID)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return assoc, nil
}

// DialTLS как Dial, но по готовому TLS-соединению, установленному
// вызывающим кодом согласно TLS-политике destination (spec §4.4
// "TLS may be enabled per-destination").
func DialTLS(conn net.Conn, callingAE, calledAE, sopClassUID, transferSyntaxUID string) (*Association, error) {
	assoc, err := negotiateAsClient(conn, callingAE, calledAE, sopClassUID, transferSyntaxUID)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return assoc, nil
}

func negotiateAsClient(conn net.Conn, callingAE, calledAE, sopClassUID, transferSyntaxUID string) (*Association, error) {
	req := AssociationRequest{
		CallingAE:        callingAE,
		CalledAE:         calledAE,
		SOPClasses:       []string{sopClassUID},
		TransferSyntaxes: []string{transferSyntaxUID},
	}
	if err := WritePDU(conn, PDUAssocRQ, req.encode()); err != nil {
		return nil, fmt.Errorf("ошибка отправки ASSOC-RQ: %w", err)
	}

	reader := bufio.NewReader(conn)
	t, payload, err := ReadPDU(reader)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения ответа на ASSOC-RQ: %w", err)
	}

	switch t {
	case PDUAssocRJ:
		rj, err := decodeAssociationReject(payload)
		if err != nil {
			return nil, fmt.Errorf("ошибка разбора ASSOC-RJ: %w", err)
		}
		return nil, &AssociationRejectedError{Reason: rj.Reason}
	case PDUAssocAC:
		ac, err := decodeAssociationAccept(payload)
		if err != nil {
			return nil, fmt.Errorf("ошибка разбора ASSOC-AC: %w", err)
		}
		if len(ac.AcceptedTransferSyntaxes) == 0 || ac.AcceptedTransferSyntaxes[0] == "" {
			return nil, &PresentationContextRejectedError{TransferSyntaxUID: transferSyntaxUID}
		}
		return &Association{
			conn:                   conn,
			reader:                 reader,
			CallingAE:              callingAE,
			CalledAE:               calledAE,
			AcceptedTransferSyntax: ac.AcceptedTransferSyntaxes[0],
		}, nil
	default:
		return nil, fmt.Errorf("неожиданный PDU тип %d в ответ на ASSOC-RQ", t)
	}
}

// AssociationRejectedError — peer отказал в установлении ассоциации
// целиком (spec §4.5 "peer refused association").
type AssociationRejectedError struct {
	Reason string
}

func (e *AssociationRejectedError) Error() string {
	return fmt.Sprintf("ассоциация отклонена peer'ом: %s", e.Reason)
}

// PresentationContextRejectedError — ассоциация принята, но
// presentation context для нужного transfer syntax отклонён — core не
// транскодирует (spec §4.5 "the core does not transcode").
type PresentationContextRejectedError struct {
	TransferSyntaxUID string
}

func (e *PresentationContextRejectedError) Error() string {
	return fmt.Sprintf("presentation context для transfer syntax %s отклонён peer'ом", e.TransferSyntaxUID)
}
