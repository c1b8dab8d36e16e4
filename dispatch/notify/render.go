// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package notify

import (
	"strings"

	"github.com/parcelworks/dispatch/dispatch/structs"
)

// DefaultLocale is the rendering fallback when a user carries no locale or
// an unknown one.
const DefaultLocale = "en"

type message struct {
	title string
	body  string
}

// messageTable holds the notification copy per locale and type. Brace
// placeholders are filled from the notification's data map. Adding a
// language means adding a locale column here; callers that pass an explicit
// title bypass the table entirely.
var messageTable = map[string]map[string]message{
	"en": {
		structs.NotificationShiftReminder:       {"Shift today", "You are on {route} today at {time}."},
		structs.NotificationStaleShiftReminder:  {"Unconfirmed shift today", "Your {route} shift on {date} is still unconfirmed. Confirm it or it will be released."},
		structs.NotificationConfirmReminder:     {"Confirm your shift", "Your {route} shift on {date} needs confirmation."},
		structs.NotificationBidOpen:             {"New route available", "{route} on {date} is open for bids."},
		structs.NotificationBidWon:              {"Bid won", "You got {route} on {date}."},
		structs.NotificationBidLost:             {"Bid not selected", "{route} on {date} went to another driver."},
		structs.NotificationEmergencyRoute:      {"Emergency route available", "{route} needs a driver today. First come, first served."},
		structs.NotificationShiftCancelled:      {"Shift cancelled", "Your {route} shift on {date} was cancelled."},
		structs.NotificationShiftAutoDropped:    {"Shift released", "Your unconfirmed {route} shift on {date} was released."},
		structs.NotificationAssignmentConfirmed: {"Shift confirmed", "You are confirmed on {route} for {date}."},
		structs.NotificationScheduleLocked:      {"Schedule published", "Your shifts for the week of {date} are posted."},
		structs.NotificationRouteUnfilled:       {"Route unfilled", "{route} on {date} has no driver after bidding closed."},
		structs.NotificationRouteCancelled:      {"Route cancelled", "{route} on {date} was cancelled."},
		structs.NotificationDriverNoShow:        {"No-show recorded", "{driver} did not arrive for {route} on {date}."},
		structs.NotificationWarning:             {"Attendance warning", "Your attendance rate fell below the required threshold. Your weekly cap is reduced while flagged."},
		structs.NotificationCorrectiveWarning:   {"Completion warning", "Your completion rate fell below {threshold}. Complete your routes to avoid escalation."},
		structs.NotificationReturnException:     {"Returns adjusted", "A manager excused {count} returned parcels on {route} for {date}."},
		structs.NotificationStreakAdvanced:      {"Streak advanced", "Your streak reached {weeks} weeks. Keep it up."},
		structs.NotificationStreakReset:         {"Streak reset", "Your streak was reset: {reason}."},
		structs.NotificationBonusEligible:       {"Bonus unlocked", "Your streak qualifies for the {stars}-star bonus."},
	},
	"fr": {
		structs.NotificationShiftReminder:       {"Quart aujourd'hui", "Vous êtes sur {route} aujourd'hui à {time}."},
		structs.NotificationStaleShiftReminder:  {"Quart non confirmé aujourd'hui", "Votre quart {route} du {date} n'est toujours pas confirmé. Confirmez-le ou il sera libéré."},
		structs.NotificationConfirmReminder:     {"Confirmez votre quart", "Votre quart {route} du {date} attend une confirmation."},
		structs.NotificationBidOpen:             {"Nouvelle route disponible", "{route} du {date} est ouverte aux offres."},
		structs.NotificationBidWon:              {"Offre retenue", "Vous avez obtenu {route} pour le {date}."},
		structs.NotificationBidLost:             {"Offre non retenue", "{route} du {date} a été attribuée à un autre livreur."},
		structs.NotificationEmergencyRoute:      {"Route d'urgence disponible", "{route} cherche un livreur aujourd'hui. Premier arrivé, premier servi."},
		structs.NotificationShiftCancelled:      {"Quart annulé", "Votre quart {route} du {date} a été annulé."},
		structs.NotificationShiftAutoDropped:    {"Quart libéré", "Votre quart {route} non confirmé du {date} a été libéré."},
		structs.NotificationAssignmentConfirmed: {"Quart confirmé", "Vous êtes confirmé sur {route} pour le {date}."},
		structs.NotificationScheduleLocked:      {"Horaire publié", "Vos quarts pour la semaine du {date} sont affichés."},
		structs.NotificationRouteUnfilled:       {"Route sans livreur", "{route} du {date} reste sans livreur après la clôture des offres."},
		structs.NotificationRouteCancelled:      {"Route annulée", "{route} du {date} a été annulée."},
		structs.NotificationDriverNoShow:        {"Absence constatée", "{driver} ne s'est pas présenté pour {route} le {date}."},
		structs.NotificationWarning:             {"Avertissement d'assiduité", "Votre taux de présence est passé sous le seuil requis. Votre plafond hebdomadaire est réduit."},
		structs.NotificationCorrectiveWarning:   {"Avertissement de complétion", "Votre taux de complétion est passé sous {threshold}. Terminez vos routes pour éviter une escalade."},
		structs.NotificationReturnException:     {"Retours ajustés", "Un gestionnaire a excusé {count} colis retournés sur {route} le {date}."},
		structs.NotificationStreakAdvanced:      {"Série prolongée", "Votre série atteint {weeks} semaines. Continuez."},
		structs.NotificationStreakReset:         {"Série réinitialisée", "Votre série a été réinitialisée : {reason}."},
		structs.NotificationBonusEligible:       {"Prime débloquée", "Votre série donne droit à la prime {stars} étoiles."},
	},
}

// RenderMessage produces the locale-rendered title and body for a
// notification type. Unknown locales fall back to English, unknown types to
// a humanized type name, so a send never goes out blank.
func RenderMessage(locale, typ string, data map[string]string) (string, string) {
	table, ok := messageTable[locale]
	if !ok {
		table = messageTable[DefaultLocale]
	}
	msg, ok := table[typ]
	if !ok {
		msg, ok = messageTable[DefaultLocale][typ]
	}
	if !ok {
		return strings.ReplaceAll(typ, "_", " "), ""
	}
	return expand(msg.title, data), expand(msg.body, data)
}

// expand substitutes {key} placeholders from the data map. Keys without a
// value are left in place so a malformed send is visible instead of silent.
func expand(s string, data map[string]string) string {
	if len(data) == 0 || !strings.Contains(s, "{") {
		return s
	}
	pairs := make([]string, 0, 2*len(data))
	for k, v := range data {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(s)
}
