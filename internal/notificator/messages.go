package notificator

import (
	"context"
	"html"
	"strconv"
	"strings"

	"github.com/core-coin/tributum/internal/models"
)

// MessageKey names a user-facing text in the catalog.
type MessageKey string

const (
	MsgWelcome       MessageKey = "welcome"
	MsgLanguageSet   MessageKey = "language_set"
	MsgLanguageUsage MessageKey = "language_usage"
	MsgActivated     MessageKey = "activated"
	MsgRejected      MessageKey = "rejected"
	MsgTimedOut      MessageKey = "timed_out"
	MsgPastDue       MessageKey = "past_due"
	MsgReminder      MessageKey = "reminder"
)

const (
	LocaleEnglish = "en"
	LocaleArabic  = "ar"

	DefaultLocale = LocaleEnglish
)

var catalog = map[string]map[MessageKey]string{
	LocaleEnglish: {
		MsgWelcome: "👋 <b>Welcome to Subscription Manager Bot!</b>\n\n" +
			"Track your subscriptions and pay them on-chain from the mini app.\n" +
			"🔔 You will be reminded 7, 3 and 1 days before each payment.\n\n" +
			"Use /language to switch between English and Arabic.",
		MsgLanguageSet:   "✅ Language set to <b>English</b>.",
		MsgLanguageUsage: "🌐 Usage: <code>/language en</code> or <code>/language ar</code>",
		MsgActivated: "✅ <b>Payment received!</b> Subscription <b>{service}</b> activated.\n" +
			"📅 Next payment: <code>{date}</code>",
		MsgRejected: "❌ <b>Payment rejected</b> for <b>{service}</b>.\n" +
			"Transaction <code>{tx}</code> does not match the subscription terms ({reason}).",
		MsgTimedOut: "⏳ We could not confirm transaction <code>{tx}</code> for <b>{service}</b> in time ({reason}).\n" +
			"Your subscription was not changed. Contact support if the payment was sent.",
		MsgPastDue: "⚠️ <b>Payment overdue!</b> Subscription <b>{service}</b> was due on <code>{date}</code>.\n" +
			"💵 Amount: <b>{cost} {currency}</b>",
		MsgReminder: "🔔 <b>Payment Reminder: {urgency}</b>\n\n" +
			"┌─────────────────────\n" +
			"│ 📌 Service: <b>{service}</b>\n" +
			"│ 💵 Amount: <b>{cost} {currency}</b>\n" +
			"│ 📅 Payment Date: <code>{date}</code>\n" +
			"│ ⏳ Remaining: {time_text}\n" +
			"└─────────────────────",
	},
	LocaleArabic: {
		MsgWelcome: "👋 <b>مرحباً بك في بوت إدارة الاشتراكات!</b>\n\n" +
			"تتبع اشتراكاتك وادفعها عبر البلوكشين من التطبيق المصغر.\n" +
			"🔔 سنذكرك قبل موعد الدفع بـ 7 و 3 و 1 أيام.\n\n" +
			"استخدم /language للتبديل بين العربية والإنجليزية.",
		MsgLanguageSet:   "✅ تم تعيين اللغة إلى <b>العربية</b>.",
		MsgLanguageUsage: "🌐 الاستخدام: <code>/language en</code> أو <code>/language ar</code>",
		MsgActivated: "✅ <b>تم استلام الدفعة!</b> تم تفعيل اشتراك <b>{service}</b>.\n" +
			"📅 الدفعة القادمة: <code>{date}</code>",
		MsgRejected: "❌ <b>تم رفض الدفعة</b> لاشتراك <b>{service}</b>.\n" +
			"المعاملة <code>{tx}</code> لا تطابق شروط الاشتراك ({reason}).",
		MsgTimedOut: "⏳ لم نتمكن من تأكيد المعاملة <code>{tx}</code> لاشتراك <b>{service}</b> في الوقت المحدد ({reason}).\n" +
			"لم يتم تغيير اشتراكك. تواصل مع الدعم إذا كنت قد أرسلت الدفعة.",
		MsgPastDue: "⚠️ <b>الدفعة متأخرة!</b> كان موعد دفع اشتراك <b>{service}</b> في <code>{date}</code>.\n" +
			"💵 المبلغ: <b>{cost} {currency}</b>",
		MsgReminder: "🔔 <b>تذكير بموعد الدفع: {urgency}</b>\n\n" +
			"┌─────────────────────\n" +
			"│ 📌 الخدمة: <b>{service}</b>\n" +
			"│ 💵 المبلغ: <b>{cost} {currency}</b>\n" +
			"│ 📅 موعد الدفع: <code>{date}</code>\n" +
			"│ ⏳ المتبقي: {time_text}\n" +
			"└─────────────────────",
	},
}

var reminderWording = map[string]map[int][2]string{
	LocaleEnglish: {
		1: {"Urgent", "Tomorrow 🔴"},
		3: {"Soon", "In 3 days 🟠"},
		7: {"Early Notice", "In 7 days 🟡"},
	},
	LocaleArabic: {
		1: {"عاجل", "غداً 🔴"},
		3: {"قريباً", "بعد 3 أيام 🟠"},
		7: {"تنبيه مبكر", "بعد 7 أيام 🟡"},
	},
}

// SupportedLocale reports whether the catalog has texts for locale.
func SupportedLocale(locale string) bool {
	_, ok := catalog[locale]
	return ok
}

// NormalizeLocale maps a Telegram language code such as "ar-SA" to a catalog locale.
func NormalizeLocale(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if i := strings.IndexAny(code, "-_"); i > 0 {
		code = code[:i]
	}
	if SupportedLocale(code) {
		return code
	}
	return DefaultLocale
}

// Text renders key in locale, substituting {name} placeholders with HTML-escaped args.
func Text(locale string, key MessageKey, args map[string]string) string {
	texts, ok := catalog[locale]
	if !ok {
		texts = catalog[DefaultLocale]
	}
	text, ok := texts[key]
	if !ok {
		text = catalog[DefaultLocale][key]
	}
	if len(args) == 0 {
		return text
	}
	pairs := make([]string, 0, len(args)*2)
	for name, value := range args {
		pairs = append(pairs, "{"+name+"}", html.EscapeString(value))
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

// ReminderText renders the upcoming payment reminder for daysBefore days ahead.
func ReminderText(locale string, daysBefore int, args map[string]string) string {
	wording, ok := reminderWording[locale]
	if !ok {
		wording = reminderWording[DefaultLocale]
	}
	w, ok := wording[daysBefore]
	if !ok {
		w = wording[7]
		if locale == LocaleArabic {
			w[1] = "بعد " + strconv.Itoa(daysBefore) + " أيام"
		} else {
			w[1] = "In " + strconv.Itoa(daysBefore) + " days"
		}
	}
	merged := map[string]string{"urgency": w[0], "time_text": w[1]}
	for k, v := range args {
		merged[k] = v
	}
	return Text(locale, MsgReminder, merged)
}

// UserLocale looks up the user's stored locale on every call, falling back to the default.
func UserLocale(ctx context.Context, db models.Repository, userID int64) string {
	locale, err := db.GetUserLocale(ctx, userID)
	if err != nil || !SupportedLocale(locale) {
		return DefaultLocale
	}
	return locale
}
