// Пакет dicomwire реализует упрощённый Upper Layer сетевого протокола
// DICOM (spec §4.4, §4.5): association negotiation, C-ECHO, C-STORE.
// В наборе примеров нет готовой библиотеки DICOM-сети, поэтому
// кодирование PDU здесь — прагматичный TLV-формат (тип + длина +
// длины-префиксированные поля), а не полный набор ASN.1-подобных
// Upper Layer PDU из PS3.8: достаточный для byte-exact C-STORE между
// Receiver и Forwarder этого gateway и для их тестов через net.Pipe,
// но не для интероперabельности с внешними DICOM-стеками. По той же
// причине CStoreHeader несёт идентифицирующие поля (study/series UID,
// modality, patient ID, accession) явными полями заголовка, а не
// разбором набора данных — разбора dataset в пакете нет (см.
// CStoreHeader).
package dicomwire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// PDUType — тип PDU Upper Layer.
type PDUType byte

const (
	PDUAssocRQ   PDUType = 0x01
	PDUAssocAC   PDUType = 0x02
	PDUAssocRJ   PDUType = 0x03
	PDUReleaseRQ PDUType = 0x05
	PDUReleaseRP PDUType = 0x06
	PDUAbort     PDUType = 0x07
	PDUCEchoRQ   PDUType = 0x10
	PDUCEchoRSP  PDUType = 0x11
	PDUCStoreRQ  PDUType = 0x12
	PDUCStoreRSP PDUType = 0x13
)

// writePDUHeader пишет тип и длину payload; payload должен быть
// полностью сформирован в памяти перед вызовом, чтобы длина была
// известна заранее (Upper Layer PDU не поддерживает потоковую длину).
func writePDUHeader(w io.Writer, t PDUType, payloadLen uint32) error {
	header := make([]byte, 5)
	header[0] = byte(t)
	binary.BigEndian.PutUint32(header[1:], payloadLen)
	_, err := w.Write(header)
	return err
}

// readPDUHeader читает тип и длину следующего PDU.
func readPDUHeader(r *bufio.Reader) (PDUType, uint32, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, 0, err
	}
	return PDUType(header[0]), binary.BigEndian.Uint32(header[1:]), nil
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeStringSlice(w io.Writer, ss []string) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(ss))); err != nil {
		return err
	}
	for _, s := range ss {
		if err := writeString(w, s); err != nil {
			return err
		}
	}
	return nil
}

func readStringSlice(r io.Reader) ([]string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	ss := make([]string, n)
	for i := range ss {
		s, err := readString(r)
		if err != nil {
			return nil, err
		}
		ss[i] = s
	}
	return ss, nil
}

// AssociationRequest — запрос ассоциации: вызывающий и вызываемый AE
// title, предлагаемые SOP classes и transfer syntaxes (spec §4.4
// "negotiate presentation contexts").
type AssociationRequest struct {
	CallingAE        string
	CalledAE         string
	SOPClasses       []string
	TransferSyntaxes []string
}

func (a AssociationRequest) encode() []byte {
	buf := &bytes.Buffer{}
	writeString(buf, a.CallingAE)
	writeString(buf, a.CalledAE)
	writeStringSlice(buf, a.SOPClasses)
	writeStringSlice(buf, a.TransferSyntaxes)
	return buf.Bytes()
}

func decodeAssociationRequest(payload []byte) (AssociationRequest, error) {
	r := bytes.NewReader(payload)
	a := AssociationRequest{}
	var err error
	if a.CallingAE, err = readString(r); err != nil {
		return a, err
	}
	if a.CalledAE, err = readString(r); err != nil {
		return a, err
	}
	if a.SOPClasses, err = readStringSlice(r); err != nil {
		return a, err
	}
	if a.TransferSyntaxes, err = readStringSlice(r); err != nil {
		return a, err
	}
	return a, nil
}

// AssociationAccept — ответ-подтверждение: transfer syntax, принятый
// для каждого presentation context, в порядке предложенных. Пустая
// строка на позиции означает отказ именно от этого presentation
// context (spec §4.5 "peer accepted association but refused
// presentation context").
type AssociationAccept struct {
	AcceptedTransferSyntaxes []string
}

func (a AssociationAccept) encode() []byte {
	buf := &bytes.Buffer{}
	writeStringSlice(buf, a.AcceptedTransferSyntaxes)
	return buf.Bytes()
}

func decodeAssociationAccept(payload []byte) (AssociationAccept, error) {
	r := bytes.NewReader(payload)
	ts, err := readStringSlice(r)
	return AssociationAccept{AcceptedTransferSyntaxes: ts}, err
}

// AssociationReject — отказ от ассоциации целиком, с причиной
// (spec §4.5 "peer refused association").
type AssociationReject struct {
	Reason string
}

func (a AssociationReject) encode() []byte {
	buf := &bytes.Buffer{}
	writeString(buf, a.Reason)
	return buf.Bytes()
}

func decodeAssociationReject(payload []byte) (AssociationReject, error) {
	reason, err := readString(bytes.NewReader(payload))
	return AssociationReject{Reason: reason}, err
}

// CStoreHeader описывает метаданные C-STORE запроса, предшествующие
// потоку объектных байт. Сами байты объекта (включая preamble и DICM)
// пишутся сразу после заголовка без дополнительного кодирования —
// byte-preservation contract (spec §4.4, §4.5).
//
// StudyInstanceUID/SeriesInstanceUID/Modality/PatientID/Accession — поля,
// которые настоящий DICOM SCP извлекает разбором group 0x0008/0x0020
// набора данных без изменения потока. Этот пакет не переразбирает набор
// данных (см. package doc), поэтому отправитель (Forwarder) передаёт
// их как "side copy", считанную из Catalog при постановке job'а в
// очередь, а не парсингом байт — тем самым byte-preservation contract
// не нарушается ни на приёме, ни на передаче.
type CStoreHeader struct {
	SOPClassUID       string
	SOPInstanceUID    string
	TransferSyntaxUID string
	StudyInstanceUID  string
	SeriesInstanceUID string
	Modality          string
	PatientID         string
	Accession         string
	ByteLength        int64
}

func (h CStoreHeader) encode() []byte {
	buf := &bytes.Buffer{}
	writeString(buf, h.SOPClassUID)
	writeString(buf, h.SOPInstanceUID)
	writeString(buf, h.TransferSyntaxUID)
	writeString(buf, h.StudyInstanceUID)
	writeString(buf, h.SeriesInstanceUID)
	writeString(buf, h.Modality)
	writeString(buf, h.PatientID)
	writeString(buf, h.Accession)
	binary.Write(buf, binary.BigEndian, h.ByteLength)
	return buf.Bytes()
}

func decodeCStoreHeader(payload []byte) (CStoreHeader, error) {
	r := bytes.NewReader(payload)
	h := CStoreHeader{}
	var err error
	if h.SOPClassUID, err = readString(r); err != nil {
		return h, err
	}
	if h.SOPInstanceUID, err = readString(r); err != nil {
		return h, err
	}
	if h.TransferSyntaxUID, err = readString(r); err != nil {
		return h, err
	}
	if h.StudyInstanceUID, err = readString(r); err != nil {
		return h, err
	}
	if h.SeriesInstanceUID, err = readString(r); err != nil {
		return h, err
	}
	if h.Modality, err = readString(r); err != nil {
		return h, err
	}
	if h.PatientID, err = readString(r); err != nil {
		return h, err
	}
	if h.Accession, err = readString(r); err != nil {
		return h, err
	}
	if err = binary.Read(r, binary.BigEndian, &h.ByteLength); err != nil {
		return h, err
	}
	return h, nil
}

// CStoreResponse — ответ на C-STORE с DICOM-статус кодом и текстовой
// деталью (spec §4.5 "interpret status class").
type CStoreResponse struct {
	Status       uint16
	StatusDetail string
}

func (r CStoreResponse) encode() []byte {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.BigEndian, r.Status)
	writeString(buf, r.StatusDetail)
	return buf.Bytes()
}

func decodeCStoreResponse(payload []byte) (CStoreResponse, error) {
	r := bytes.NewReader(payload)
	resp := CStoreResponse{}
	if err := binary.Read(r, binary.BigEndian, &resp.Status); err != nil {
		return resp, err
	}
	detail, err := readString(r)
	resp.StatusDetail = detail
	return resp, err
}

// WritePDU пишет один полностью буферизованный PDU (association
// negotiation, C-ECHO, или заголовок C-STORE) в w.
func WritePDU(w io.Writer, t PDUType, payload []byte) error {
	if err := writePDUHeader(w, t, uint32(len(payload))); err != nil {
		return fmt.Errorf("ошибка записи заголовка PDU: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("ошибка записи тела PDU: %w", err)
	}
	return nil
}

// ReadPDU читает тип и payload следующего PDU целиком в память. Для
// PDUCStoreRQ payload — это только CStoreHeader; байты объекта читаются
// отдельно вызывающим кодом напрямую из r, чтобы не копировать
// потенциально большой объект через этот буфер (byte-preservation
// contract, spec §4.4).
func ReadPDU(r *bufio.Reader) (PDUType, []byte, error) {
	t, length, err := readPDUHeader(r)
	if err != nil {
		return 0, nil, err
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("ошибка чтения тела PDU: %w", err)
	}
	return t, payload, nil
}
