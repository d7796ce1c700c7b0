package dicomwire

import (
	"bufio"
	"context"
	"fmt"
	"net"
)

// AcceptPolicy decides whether to accept an incoming association and,
// if so, which transfer syntax to accept per proposed presentation
// context — the gateway never transcodes, so it accepts only a
// transfer syntax it can also forward byte-for-byte (spec §4.4
// "negotiate at least the commonly required transfer syntaxes").
type AcceptPolicy interface {
	// Accept returns ok=false to reject the association outright
	// (unknown called AE, disabled receiver), or a list of accepted
	// transfer syntaxes (one slot per req.TransferSyntaxes entry, empty
	// string meaning that presentation context is refused).
	Accept(req AssociationRequest) (accepted []string, ok bool, rejectReason string)
}

// AcceptAssociation выполняет серверную сторону негоциации на только
// что принятом соединении (spec §4.4 "association-request received →
// negotiate presentation contexts → accept or reject").
func AcceptAssociation(ctx context.Context, conn net.Conn, policy AcceptPolicy) (*Association, error) {
	reader := bufio.NewReader(conn)

	t, payload, err := ReadPDU(reader)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения ASSOC-RQ: %w", err)
	}
	if t != PDUAssocRQ {
		return nil, fmt.Errorf("ожидался ASSOC-RQ, получен PDU тип %d", t)
	}
	req, err := decodeAssociationRequest(payload)
	if err != nil {
		return nil, fmt.Errorf("ошибка разбора ASSOC-RQ: %w", err)
	}

	accepted, ok, reason := policy.Accept(req)
	if !ok {
		rj := AssociationReject{Reason: reason}
		_ = WritePDU(conn, PDUAssocRJ, rj.encode())
		return nil, fmt.Errorf("ассоциация отклонена: %s", reason)
	}

	ac := AssociationAccept{AcceptedTransferSyntaxes: accepted}
	if err := WritePDU(conn, PDUAssocAC, ac.encode()); err != nil {
		return nil, fmt.Errorf("ошибка отправки ASSOC-AC: %w", err)
	}

	var ts string
	for _, a := range accepted {
		if a != "" {
			ts = a
			break
		}
	}

	return &Association{
		conn:                   conn,
		reader:                 reader,
		CallingAE:              req.CallingAE,
		CalledAE:               req.CalledAE,
		AcceptedTransferSyntax: ts,
	}, nil
}
