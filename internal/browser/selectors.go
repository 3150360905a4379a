package browser

// Selector fallback tables for the brokerage web app, tried in order.
var (
	cookieButtonSelectors = []string{
		"button.buttonBase.consentCard__action.buttonPrimary",
		".buttonBase.consentCard__action.buttonPrimary",
		"[data-testid='cookie-banner-accept']",
		".cookie-banner__accept",
	}

	phoneInputSelector  = "#loginPhoneNumber__input"
	pinFieldsetSelector = "#loginPin__input"
	smsCodeSelector     = "#smsCode__input"
	errorBannerSelector = "[class*='error']"

	nextButtonSelectors = []string{
		"button.buttonBase.loginPhoneNumber__action.buttonPrimary",
		".buttonBase.loginPhoneNumber__action",
		"[data-testid='login-phone-next']",
	}

	// CSS selector group; any match means the dashboard rendered.
	loggedInSelector = ".currencyStatus, .portfolioInstrumentList, [class*='portfolioValue'], [class*='dashboard']"

	balanceSelectors = []string{
		".currencyStatus span[role='status']",
		"[class*='portfolioValue']",
		"[class*='portfolioBalance']",
	}

	viewDropdownSelectors = []string{
		".dropdownListopenButton",
		"button.dropdownListopenButton",
		"[class*='dropdownList'][class*='openButton']",
	}
	sinceBuyExactSelector  = "#investments-sinceBuyabs > div:nth-child(1) > p"
	viewOptionNameSelector = "p[class*='optionName']"
	sinceBuyIDSelector     = "#investments-sinceBuyabs"
	sinceBuyXPath          = "xpath=//p[contains(text(), 'Since buy')]"

	positionListSelectors = []string{
		"ul.portfolioInstrumentList",
		"[class*='portfolioInstrumentList']",
		"ul[class*='portfolio']",
	}
	positionNameSelector   = ".instrumentListItem__name"
	positionValueSelector  = ".instrumentListItem__currentPrice"
	positionSharesSelector = "[class*='instrumentListItem__shares'], [class*='instrumentListItem__quantity']"

	transactionLinkSelectors = []string{
		"a[href='/profile/transactions']",
		"xpath=//a[contains(@href, '/profile/transactions')]",
		"[class*='transactions']",
	}
	cashBalanceSelectors = []string{
		".cashBalance__amount",
		"[class*='cashBalance']",
		"[class*='balance'][class*='amount']",
	}
)

const notAvailable = "Not available"

const stealthScript = `Object.defineProperty(navigator, 'webdriver', { get: () => undefined });`
