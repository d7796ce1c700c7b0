package dicomwire

import (
	"bufio"
	"fmt"
	"io"
	"net"
)

// Association — установленная ассоциация Upper Layer, общая для SCP и
// SCU сторон. Оборачивает net.Conn буферизованным чтением, необходимым
// ReadPDU/io.ReadFull (spec §4.4, §4.5).
type Association struct {
	conn   net.Conn
	reader *bufio.Reader

	// CallingAE/CalledAE — AE titles, согласованные при негоциации.
	CallingAE string
	CalledAE  string
	// AcceptedTransferSyntax — единственный transfer syntax, который
	// этот gateway предлагает и ожидает обратно: gateway не транскодирует,
	// поэтому предложение всегда состоит из ровно того transfer syntax,
	// которым закодирован конкретный объект (spec §4.5 "No re-encoding
	// is performed").
	AcceptedTransferSyntax string
}

// Conn возвращает сырое соединение — используется для установки
// read/write deadline вызывающим кодом (spec §5 "every externally
// initiated operation ... carries a deadline").
func (a *Association) Conn() net.Conn { return a.conn }

// Close закрывает ассоциацию без протокольного release — используется
// при abort/cancel/deadline (spec §5 "close association without final
// status").
func (a *Association) Close() error { return a.conn.Close() }

// Release выполняет протокольный release ассоциации (RELEASE-RQ/RP) —
// закрытие без активного in-flight C-STORE не считается сбоем job'а
// (spec §4.5 "Association closure is treated as a neutral event").
func (a *Association) Release() error {
	if err := WritePDU(a.conn, PDUReleaseRQ, nil); err != nil {
		return fmt.Errorf("ошибка отправки RELEASE-RQ: %w", err)
	}
	t, _, err := ReadPDU(a.reader)
	if err != nil {
		return fmt.Errorf("ошибка получения RELEASE-RP: %w", err)
	}
	if t != PDUReleaseRP {
		return fmt.Errorf("неожиданный PDU %d вместо RELEASE-RP", t)
	}
	return a.conn.Close()
}

// SendCStore отправляет C-STORE запрос: заголовок, затем ровно
// byteLength байт из r без какой-либо трансформации (byte-preservation
// contract, spec §4.5), и ждёт CStoreResponse.
func (a *Association) SendCStore(header CStoreHeader, r io.Reader) (CStoreResponse, error) {
	header.TransferSyntaxUID = a.AcceptedTransferSyntax
	if err := WritePDU(a.conn, PDUCStoreRQ, header.encode()); err != nil {
		return CStoreResponse{}, fmt.Errorf("ошибка отправки C-STORE заголовка: %w", err)
	}
	if _, err := io.CopyN(a.conn, r, header.ByteLength); err != nil {
		return CStoreResponse{}, fmt.Errorf("ошибка передачи байт объекта: %w", err)
	}

	t, payload, err := ReadPDU(a.reader)
	if err != nil {
		return CStoreResponse{}, fmt.Errorf("ошибка получения C-STORE ответа: %w", err)
	}
	if t != PDUCStoreRSP {
		return CStoreResponse{}, fmt.Errorf("неожиданный PDU %d вместо C-STORE-RSP", t)
	}
	return decodeCStoreResponse(payload)
}

// SendCEcho отправляет C-ECHO и возвращает статус ответа
// (spec §4.4 "accepts C-ECHO and C-STORE").
func (a *Association) SendCEcho() (uint16, error) {
	if err := WritePDU(a.conn, PDUCEchoRQ, nil); err != nil {
		return 0, fmt.Errorf("ошибка отправки C-ECHO: %w", err)
	}
	t, payload, err := ReadPDU(a.reader)
	if err != nil {
		return 0, fmt.Errorf("ошибка получения C-ECHO ответа: %w", err)
	}
	if t != PDUCEchoRSP {
		return 0, fmt.Errorf("неожиданный PDU %d вместо C-ECHO-RSP", t)
	}
	if len(payload) < 2 {
		return 0, fmt.Errorf("пустой C-ECHO-RSP")
	}
	return uint16(payload[0])<<8 | uint16(payload[1]), nil
}

// IncomingCStore — полученный, но ещё не завершённый C-STORE запрос:
// заголовок прочитан, но object-байты ещё нужно прочитать вызывающим
// кодом из Data ровно header.ByteLength байт (spec §4.4
// "stream each transmitted object to the Object Store").
type IncomingCStore struct {
	Header CStoreHeader
	Data   io.Reader

	assoc *Association
}

// Respond отправляет C-STORE ответ для данного запроса — должен быть
// вызван ровно один раз на каждый IncomingCStore (spec §4.4 "return a
// C-STORE success status to the peer").
func (c *IncomingCStore) Respond(status uint16, detail string) error {
	resp := CStoreResponse{Status: status, StatusDetail: detail}
	return WritePDU(c.assoc.conn, PDUCStoreRSP, resp.encode())
}

// NextRequest читает следующий PDU в рамках ассоциации: C-ECHO
// отвечается немедленно и прозрачно; C-STORE возвращается как
// IncomingCStore для потоковой обработки вызывающим кодом; RELEASE-RQ и
// ABORT завершают цикл с io.EOF (spec §4.4 "the association itself is
// not closed on a single-object failure").
func (a *Association) NextRequest() (*IncomingCStore, error) {
	for {
		t, payload, err := ReadPDU(a.reader)
		if err != nil {
			return nil, err
		}
		switch t {
		case PDUCEchoRQ:
			resp := CStoreResponse{Status: StatusCodeSuccess}
			if err := WritePDU(a.conn, PDUCEchoRSP, []byte{byte(resp.Status >> 8), byte(resp.Status)}); err != nil {
				return nil, fmt.Errorf("ошибка ответа C-ECHO: %w", err)
			}
			continue
		case PDUCStoreRQ:
			header, err := decodeCStoreHeader(payload)
			if err != nil {
				return nil, fmt.Errorf("ошибка разбора C-STORE заголовка: %w", err)
			}
			return &IncomingCStore{
				Header: header,
				Data:   io.LimitReader(a.reader, header.ByteLength),
				assoc:  a,
			}, nil
		case PDUReleaseRQ:
			if err := WritePDU(a.conn, PDUReleaseRP, nil); err != nil {
				return nil, fmt.Errorf("ошибка ответа RELEASE-RP: %w", err)
			}
			return nil, io.EOF
		case PDUAbort:
			return nil, io.EOF
		default:
			return nil, fmt.Errorf("неожиданный PDU тип %d вне C-STORE/C-ECHO/RELEASE", t)
		}
	}
}
