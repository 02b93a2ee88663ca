package services

import "github.com/custodia-labs/kbsearch/internal/core/domain"

// topUpCorpus is a small support knowledge base about topping up a balance.
func topUpCorpus() []domain.Chunk {
	docs := []struct{ id, title, content string }{
		{"doc-1", "Как пополнить баланс", "Для пополнения баланса используйте QR-код, банковскую карту или наличные в терминале. QR-код можно отсканировать в мобильном приложении банка."},
		{"doc-2", "Способы пополнения баланса", "Доступные способы пополнения: 1) QR-код через мобильное приложение, 2) Банковская карта в терминале, 3) Наличные в терминале, 4) Перевод с банковского счета."},
		{"doc-3", "Проблемы с пополнением", "Если возникают проблемы с пополнением баланса, проверьте: корректность введенных данных, достаточность средств на карте, статус терминала."},
		{"doc-4", "Безопасность пополнения", "Все операции пополнения защищены SSL-шифрованием. Не передавайте данные карты третьим лицам. Используйте только официальные терминалы."},
		{"doc-5", "Комиссии за пополнение", "Пополнение баланса через QR-код и банковскую карту бесплатно. За пополнение наличными взимается комиссия 1% от суммы."},
	}
	out := make([]domain.Chunk, len(docs))
	for i, d := range docs {
		out[i] = domain.Chunk{
			ID:        d.id,
			SourceID:  "src-" + d.id,
			Title:     d.title,
			Text:      d.content,
			EndOffset: len([]rune(d.content)),
		}
	}
	return out
}

const topUpQuery = "как пополнить баланс"

// topUpVectors gives the embedder a controlled geometry: doc-1 and doc-2
// are near the query, doc-3 and doc-5 are half related, doc-4 is far.
func topUpVectors(f *fakeEmbedder) {
	corpus := topUpCorpus()
	f.set(topUpQuery, 1, 1, 0, 0, 0)
	f.set(corpus[0].Text, 1, 1, 0, 0, 0)
	f.set(corpus[1].Text, 0.9, 1, 0, 0, 0)
	f.set(corpus[2].Text, 1, 0, 1, 0, 0)
	f.set(corpus[3].Text, 0.3, 0, 0, 1, 0)
	f.set(corpus[4].Text, 1, 0, 0, 0, 1)
}
