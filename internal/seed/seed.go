// Package seed installs the starter content a fresh deployment needs to be
// useful on day one: the notification templates the platform's producers
// reference, a handful of published knowledge articles in both UI languages,
// and the default contextual prompts. Seeding is idempotent: rows are only
// inserted when their table is empty, so operator-edited content survives
// restarts.
package seed

import (
	"context"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/campushub/go-comms-backend/internal/domain"
	"github.com/campushub/go-comms-backend/internal/repo"
)

// Starter populates empty tables with the default content set.
func Starter(ctx context.Context, db *gorm.DB) error {
	if err := templates(ctx, db); err != nil {
		return err
	}
	if err := articles(ctx, db); err != nil {
		return err
	}
	return suggestions(ctx, db)
}

func templates(ctx context.Context, db *gorm.DB) error {
	var n int64
	if err := db.WithContext(ctx).Model(&domain.NotificationTemplate{}).Count(&n).Error; err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	defaults := []domain.NotificationTemplate{
		{
			Name: "course_completed", Channel: domain.ChannelEmail,
			Subject:   "Congratulations, you finished {{course}}!",
			Body:      "Hi {{name}},\n\nYou completed {{course}}. Your certificate is ready to download from your dashboard.",
			Variables: "name,course", Active: true,
		},
		{
			Name: "course_completed", Channel: domain.ChannelInApp,
			Subject:   "Course completed",
			Body:      "You completed {{course}}. Your certificate is ready.",
			Variables: "course", Active: true,
		},
		{
			Name: "payment_received", Channel: domain.ChannelEmail,
			Subject:   "Payment received",
			Body:      "Hi {{name}},\n\nWe received your payment of {{amount}}. Receipt {{receipt_id}} is attached to your account.",
			Variables: "name,amount,receipt_id", Active: true,
		},
		{
			Name: "assignment_due", Channel: domain.ChannelPush,
			Subject:   "Assignment due soon",
			Body:      "{{assignment}} for {{course}} is due {{due}}.",
			Variables: "assignment,course,due", Active: true,
		},
		{
			Name: "assignment_due", Channel: domain.ChannelInApp,
			Subject:   "Assignment due soon",
			Body:      "{{assignment}} for {{course}} is due {{due}}.",
			Variables: "assignment,course,due", Active: true,
		},
		{
			Name: "password_reset", Channel: domain.ChannelSMS,
			Subject:   "",
			Body:      "Your verification code is {{code}}. It expires in 10 minutes.",
			Variables: "code", Active: true,
		},
		{
			Name: "agent_escalation", Channel: domain.ChannelInApp,
			Subject:   "Conversation needs a human",
			Body:      "Conversation {{conversation_id}} was escalated ({{reason}}). Pick it up from the support queue.",
			Variables: "conversation_id,reason", Active: true,
		},
	}
	for i := range defaults {
		if _, err := repo.CreateTemplate(ctx, db, &defaults[i]); err != nil {
			return err
		}
	}
	log.Info().Int("templates", len(defaults)).Msg("seeded notification templates")
	return nil
}

func articles(ctx context.Context, db *gorm.DB) error {
	var n int64
	if err := db.WithContext(ctx).Model(&domain.KnowledgeArticle{}).Count(&n).Error; err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	defaults := []domain.KnowledgeArticle{
		{
			Slug:  "get-certificate",
			Title: "How to download your course certificate",
			Summary: "Certificates are generated automatically when you complete all modules. " +
				"Open your dashboard, pick the course, and use the Download certificate button.",
			Body: "Once every module of a course is marked complete, the platform generates your certificate within a few minutes. " +
				"Go to Dashboard → My courses, select the completed course, and click \"Download certificate\". " +
				"The file is a PDF with a verification link that employers can check.",
			Category: "certificates", Tags: "certificate,completion",
			Keywords:       "certificate,diploma,download,completion",
			IntentTriggers: "get_certificate",
			Language:       "en", Status: domain.ArticlePublished,
		},
		{
			Slug:  "obtener-certificado",
			Title: "Cómo descargar tu certificado del curso",
			Summary: "Los certificados se generan automáticamente al completar todos los módulos. " +
				"Abre tu panel, elige el curso y usa el botón Descargar certificado.",
			Body: "Cuando todos los módulos de un curso están completos, la plataforma genera tu certificado en unos minutos. " +
				"Ve a Panel → Mis cursos, selecciona el curso completado y pulsa \"Descargar certificado\". " +
				"El archivo es un PDF con un enlace de verificación.",
			Category: "certificates", Tags: "certificado,finalización",
			Keywords:       "certificado,diploma,descargar",
			IntentTriggers: "get_certificate",
			Language:       "es", Status: domain.ArticlePublished,
		},
		{
			Slug:    "course-access-issues",
			Title:   "I can't access my course",
			Summary: "Most access problems come from an expired session or an unpaid enrollment. Sign out, sign back in, and check your billing status.",
			Body: "If a course you enrolled in shows as locked, first sign out and back in to refresh your session. " +
				"Then check Billing → Orders to confirm the enrollment payment settled. " +
				"If the course is still locked after both checks, contact support with the course name.",
			Category: "courses", Tags: "access,enrollment",
			Keywords:       "access,locked,enroll,course",
			IntentTriggers: "course_access",
			Language:       "en", Status: domain.ArticlePublished,
		},
		{
			Slug:    "billing-and-refunds",
			Title:   "Billing, invoices, and refunds",
			Summary: "Invoices live under Billing → Orders. Refunds are available within 14 days of purchase for courses less than 20% completed.",
			Body: "Every payment generates an invoice under Billing → Orders. " +
				"Refund requests are accepted within 14 days of purchase as long as you have completed less than 20% of the course. " +
				"Submit the request from the order's detail page; processing takes 5-7 business days.",
			Category: "billing", Tags: "billing,refund,invoice",
			Keywords:       "refund,invoice,payment,charge",
			IntentTriggers: "billing",
			Language:       "en", Status: domain.ArticlePublished,
		},
		{
			Slug:    "instructor-payout-schedule",
			Title:   "Instructor payout schedule",
			Summary: "Instructor earnings are paid out on the 15th of each month for the previous month's sales.",
			Body: "Earnings accumulate per sale and become eligible for payout at the end of the month. " +
				"Payouts run on the 15th of the following month to your configured payment method. " +
				"Minimum payout is $50; smaller balances roll over.",
			Category: "billing", Tags: "payout,earnings",
			Keywords:       "payout,earnings,instructor,revenue",
			IntentTriggers: "billing",
			TargetRoles:    "instructor,admin",
			Language:       "en", Status: domain.ArticlePublished,
		},
	}
	for i := range defaults {
		if _, err := repo.CreateArticle(ctx, db, &defaults[i]); err != nil {
			return err
		}
	}
	log.Info().Int("articles", len(defaults)).Msg("seeded knowledge articles")
	return nil
}

func suggestions(ctx context.Context, db *gorm.DB) error {
	var n int64
	if err := db.WithContext(ctx).Model(&domain.Suggestion{}).Count(&n).Error; err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	defaults := []domain.Suggestion{
		{Text: "How do I get my certificate?", Role: domain.RoleStudent, Weight: 30, Active: true},
		{Text: "I can't access my course", Role: domain.RoleStudent, Weight: 20, Active: true},
		{Text: "How do refunds work?", Role: domain.RoleStudent, Weight: 10, Active: true},
		{Text: "When is the next payout?", Role: domain.RoleInstructor, Weight: 20, Active: true},
		{Text: "How do I publish a new course?", Role: domain.RoleInstructor, Weight: 10, Active: true},
		{Text: "What courses do you offer?", Role: domain.RoleAnonymous, Weight: 10, Active: true},
	}
	for i := range defaults {
		if _, err := repo.CreateSuggestion(ctx, db, &defaults[i]); err != nil {
			return err
		}
	}
	log.Info().Int("suggestions", len(defaults)).Msg("seeded suggestions")
	return nil
}
