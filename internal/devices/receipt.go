package devices

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/washline/washline-agent/internal/escpos"
)

type ReceiptItem struct {
	ServiceName string          `json:"service_name"`
	Quantity    float64         `json:"quantity"`
	Unit        string          `json:"unit"`
	Subtotal    decimal.Decimal `json:"subtotal"`
}

// ReceiptDocument is one order ticket as sent by the web application.
type ReceiptDocument struct {
	OrderID       string          `json:"order_id"`
	ClientName    string          `json:"client_name"`
	Phone         string          `json:"phone,omitempty"`
	StaffName     string          `json:"staff_name"`
	Items         []ReceiptItem   `json:"items"`
	Total         decimal.Decimal `json:"total"`
	PaymentMethod string          `json:"payment_method"`
	DeliveryDate  time.Time       `json:"delivery_date"`
	CreatedAt     time.Time       `json:"created_at"`
	Notes         string          `json:"notes,omitempty"`
}

// ReceiptLayout holds the shop-specific parts of the ticket.
type ReceiptLayout struct {
	ShopName string   `json:"shop_name"`
	Subtitle string   `json:"subtitle,omitempty"`
	Currency string   `json:"currency,omitempty"`
	Locale   string   `json:"locale,omitempty"`
	Footer   []string `json:"footer,omitempty"`
}

func DefaultReceiptLayout() ReceiptLayout {
	return ReceiptLayout{
		ShopName: "WASHLINE",
		Subtitle: "Laundry & Dry Cleaning",
		Currency: "$",
		Locale:   "en",
	}
}

func (l ReceiptLayout) withDefaults() ReceiptLayout {
	def := DefaultReceiptLayout()
	if strings.TrimSpace(l.ShopName) == "" {
		l.ShopName = def.ShopName
	}
	if l.Currency == "" {
		l.Currency = def.Currency
	}
	if _, ok := receiptLabels[l.Locale]; !ok {
		l.Locale = def.Locale
	}
	if len(l.Footer) == 0 {
		l.Footer = receiptLabels[l.Locale].footer
	}
	return l
}

func (l ReceiptLayout) money(d decimal.Decimal) string {
	return l.Currency + d.StringFixed(2)
}

type labels struct {
	order, client, phone, staff, services, total, payment, delivery, notes, test string

	footer    []string
	weekdays  [7]string
	months    [12]string
	monthJoin string
}

var receiptLabels = map[string]labels{
	"en": {
		order:    "Order",
		client:   "Client",
		phone:    "Phone",
		staff:    "Served by",
		services: "SERVICES",
		total:    "TOTAL",
		payment:  "Payment",
		delivery: "Ready for pickup",
		notes:    "Notes",
		test:     "Printer test",
		footer:   []string{"Thank you for your visit!", "Keep this ticket to collect", "your order."},
		weekdays: [7]string{"Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday"},
		months: [12]string{"January", "February", "March", "April", "May", "June",
			"July", "August", "September", "October", "November", "December"},
		monthJoin: " ",
	},
	"es": {
		order:    "Pedido",
		client:   "Cliente",
		phone:    "Tel",
		staff:    "Atendió",
		services: "SERVICIOS",
		total:    "TOTAL",
		payment:  "Pago",
		delivery: "Fecha de entrega",
		notes:    "Notas",
		test:     "Prueba de impresora",
		footer:   []string{"¡Gracias por su preferencia!", "Conserve este ticket para", "recoger su pedido."},
		weekdays: [7]string{"domingo", "lunes", "martes", "miércoles", "jueves", "viernes", "sábado"},
		months: [12]string{"enero", "febrero", "marzo", "abril", "mayo", "junio",
			"julio", "agosto", "septiembre", "octubre", "noviembre", "diciembre"},
		monthJoin: " de ",
	},
}

// BuildReceipt renders doc as an ESC/POS stream that starts with the init
// sequence and ends with a partial cut.
func BuildReceipt(doc ReceiptDocument, layout ReceiptLayout) []byte {
	layout = layout.withDefaults()
	l := receiptLabels[layout.Locale]

	b := escpos.NewBuffer().Init()
	writeHeader(b, layout)

	b.Align(escpos.AlignLeft).
		Bold(true).Line(l.order + " #" + doc.OrderID).Bold(false).
		Line(formatTimestamp(doc.CreatedAt)).
		Rule('-')

	b.Line(l.client + ": " + doc.ClientName)
	if phone := strings.TrimSpace(doc.Phone); phone != "" {
		b.Line(l.phone + ": " + phone)
	}
	b.Line(l.staff + ": " + doc.StaffName).Rule('-')

	b.Bold(true).Line(l.services).Bold(false)
	for _, item := range doc.Items {
		b.Line(escpos.Columns(itemText(item), layout.money(item.Subtotal), escpos.LineWidth))
	}
	b.Rule('-')

	b.Size(escpos.SizeDouble).Bold(true).
		Line(l.total + ": " + layout.money(doc.Total)).
		Bold(false).Size(escpos.SizeNormal).
		Line(l.payment + ": " + doc.PaymentMethod).
		Rule('-')

	if !doc.DeliveryDate.IsZero() {
		b.Align(escpos.AlignCenter).
			Line(l.delivery + ":").
			Bold(true).Line(formatDate(doc.DeliveryDate, l)).Bold(false)
	}

	if notes := strings.TrimSpace(doc.Notes); notes != "" {
		b.Align(escpos.AlignLeft).Feed(1).
			Bold(true).Line(l.notes + ":").Bold(false).
			Line(notes)
	}

	b.Align(escpos.AlignCenter).Feed(1)
	for _, line := range layout.Footer {
		b.Line(line)
	}

	return b.Feed(3).Cut().Bytes()
}

// BuildTestPage renders a short banner used to check the printer link.
func BuildTestPage(layout ReceiptLayout, at time.Time) []byte {
	layout = layout.withDefaults()
	l := receiptLabels[layout.Locale]

	b := escpos.NewBuffer().Init()
	writeHeader(b, layout)

	return b.Align(escpos.AlignCenter).
		Bold(true).Line(l.test).Bold(false).
		Line(formatTimestamp(at)).
		Feed(3).
		Cut().
		Bytes()
}

func writeHeader(b *escpos.Buffer, layout ReceiptLayout) {
	b.Align(escpos.AlignCenter).
		Size(escpos.SizeDouble).Bold(true).
		Line(layout.ShopName).
		Bold(false).Size(escpos.SizeNormal)
	if layout.Subtitle != "" {
		b.Line(layout.Subtitle)
	}
	b.Feed(1)
}

func itemText(item ReceiptItem) string {
	text := item.ServiceName + " x" + strconv.FormatFloat(item.Quantity, 'f', -1, 64)
	if item.Unit != "" {
		text += " " + item.Unit
	}
	return text
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("02/01/2006 15:04")
}

func formatDate(t time.Time, l labels) string {
	return l.weekdays[t.Weekday()] + " " + strconv.Itoa(t.Day()) + l.monthJoin + l.months[t.Month()-1]
}
