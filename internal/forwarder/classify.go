package forwarder

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/raxjinn/StudyFlowGateway/internal/apierrors"
	"github.com/raxjinn/StudyFlowGateway/internal/catalog"
	"github.com/raxjinn/StudyFlowGateway/internal/dicomwire"
	"github.com/raxjinn/StudyFlowGateway/internal/domain/model"
)

// classifyTransferError сводит любую ошибку, возникшую при подготовке
// или проведении передачи одного ForwardJob, к одной категории §7 —
// claimed job никогда не разрешается по "сырой" ошибке (апиerrors
// package doc).
func classifyTransferError(err error, dest *model.Destination) *apierrors.Classified {
	if err == nil {
		return nil
	}
	if c, ok := apierrors.As(err); ok {
		return c
	}

	var assocRej *dicomwire.AssociationRejectedError
	if errors.As(err, &assocRej) {
		return apierrors.New(model.ErrKindPeerRejectAssoc, assocRej.Error(), err)
	}

	var ctxRej *dicomwire.PresentationContextRejectedError
	if errors.As(err, &ctxRej) {
		if dest != nil && dest.TranscodePolicy == model.TranscodeRetryableOnReject {
			return apierrors.New(model.ErrKindNetworkTransient,
				"presentation context отклонён, политика destination допускает повтор", err)
		}
		return apierrors.New(model.ErrKindPeerRejectContext, ctxRej.Error(), err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return apierrors.New(model.ErrKindNetworkTransient, "сетевая ошибка при передаче", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apierrors.New(model.ErrKindNetworkTransient, "превышен таймаут ассоциации", err)
	}

	if errors.Is(err, catalog.ErrNotFound) {
		return apierrors.New(model.ErrKindCatalogConflict, "instance или destination не найдены в Catalog", err)
	}
	if errors.Is(err, catalog.ErrSerializationFailure) || errors.Is(err, catalog.ErrConflict) {
		return apierrors.New(model.ErrKindCatalogUnavailable, "временный конфликт при чтении Catalog", err)
	}

	return apierrors.New(model.ErrKindStorageIO, "ошибка чтения объекта или Catalog", err)
}

// classifyPeerStatus интерпретирует DICOM-статус ответа C-STORE
// (spec §4.5). Success и Warning не являются ошибкой job'а — warning
// только логируется с его деталью вызывающим кодом. "Refused: out of
// resources" (0xA7xx) всегда retryable независимо от политики
// destination, поэтому сводится к network_transient, а не к
// permanent-fail peer_status_failure.
func classifyPeerStatus(code uint16, detail string) *apierrors.Classified {
	switch dicomwire.ClassifyStatus(code) {
	case dicomwire.StatusSuccess, dicomwire.StatusWarning:
		return nil
	default:
		if dicomwire.IsRefusedOutOfResources(code) {
			return apierrors.New(model.ErrKindNetworkTransient,
				fmt.Sprintf("peer отказал по нехватке ресурсов (status %#04x): %s", code, detail), nil)
		}
		return apierrors.New(model.ErrKindPeerStatusFailure,
			fmt.Sprintf("peer вернул статус отказа %#04x: %s", code, detail), nil)
	}
}
