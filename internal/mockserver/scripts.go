package mockserver

import (
	"net/http"
	"strings"

	"mia/internal/domain"
)

type script struct {
	name         string
	answer       string
	transactions []domain.TransactionRecord
	status       int  // non-zero: reply with this status and no stream
	cut          bool // end the stream before the finishing event
}

var sampleTransactions = []domain.TransactionRecord{
	{Month: "2025-01", Income: 25_000_000, Expense: 18_500_000},
	{Month: "2025-02", Income: 25_000_000, Expense: 21_200_000},
	{Month: "2025-03", Income: 27_500_000, Expense: 16_800_000},
	{Month: "2025-04", Income: 25_000_000, Expense: 26_300_000},
	{Month: "2025-05", Income: 26_000_000, Expense: 19_900_000},
	{Month: "2025-06", Income: 30_000_000, Expense: 22_400_000},
}

func pickScript(query string) script {
	q := strings.ToLower(query)
	switch {
	case strings.Contains(q, "lỗi"):
		return script{name: "error", status: http.StatusInternalServerError}
	case strings.Contains(q, "đứt"):
		return script{name: "cut", answer: "Kết nối sắp bị ngắt", cut: true}
	case strings.Contains(q, "thu chi"), strings.Contains(q, "giao dịch"):
		return script{
			name:         "transactions",
			answer:       "Trong 6 tháng gần đây, tổng thu của bạn là 158.500.000đ và tổng chi là 125.100.000đ. Tháng 4 bạn chi nhiều hơn thu.",
			transactions: sampleTransactions,
		}
	case strings.Contains(q, "chuyển"):
		return script{
			name:   "confirm",
			answer: "Bạn có muốn chuyển 500.000đ cho Nguyễn Thị Mẹ (HDBank ****1234) không? " + confirmMarker,
		}
	default:
		return script{name: "echo"}
	}
}
